package zipfmt

import (
	"encoding/binary"
	"fmt"
)

// ParseDirectory walks count central directory records packed in buf and
// returns them in archive order.
//
// A mismatched record signature aborts the whole parse: once the framing is
// wrong, every later offset would be read from an arbitrary position.
func ParseDirectory(buf []byte, count uint64) ([]Entry, error) {
	entries := make([]Entry, 0, clampCap(count))

	pos := 0
	for i := uint64(0); i < count; i++ {
		if pos+CentralDirLen > len(buf) {
			return nil, fmt.Errorf("%w: central directory truncated at entry %d of %d", ErrFormat, i, count)
		}
		b := buf[pos:]
		if binary.LittleEndian.Uint32(b[0:4]) != SigCentralDir {
			return nil, fmt.Errorf("%w: expected central directory signature at entry %d", ErrFormat, i)
		}

		nameLen := int(binary.LittleEndian.Uint16(b[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(b[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(b[32:34]))
		recordLen := CentralDirLen + nameLen + extraLen + commentLen
		if pos+recordLen > len(buf) {
			return nil, fmt.Errorf("%w: central directory truncated at entry %d of %d", ErrFormat, i, count)
		}

		entry := Entry{
			Flags:            binary.LittleEndian.Uint16(b[8:10]),
			Method:           binary.LittleEndian.Uint16(b[10:12]),
			ModTime:          dosTime(binary.LittleEndian.Uint16(b[14:16]), binary.LittleEndian.Uint16(b[12:14])),
			CRC32:            binary.LittleEndian.Uint32(b[16:20]),
			CompressedSize:   uint64(binary.LittleEndian.Uint32(b[20:24])),
			UncompressedSize: uint64(binary.LittleEndian.Uint32(b[24:28])),
			HeaderOffset:     uint64(binary.LittleEndian.Uint32(b[42:46])),
			Name:             string(b[CentralDirLen : CentralDirLen+nameLen]),
			Comment:          string(b[CentralDirLen+nameLen+extraLen : CentralDirLen+nameLen+extraLen+commentLen]),
		}

		extra := b[CentralDirLen+nameLen : CentralDirLen+nameLen+extraLen]
		if err := applyZip64Extra(&entry, extra); err != nil {
			return nil, fmt.Errorf("%w: entry %d (%q): %v", ErrFormat, i, entry.Name, err)
		}

		entries = append(entries, entry)
		pos += recordLen
	}

	return entries, nil
}

// applyZip64Extra overrides sentinel size and offset fields from the Zip64
// extended information extra field. Per the format, the field only stores
// values for fields that carry the 32-bit sentinel, in a fixed order:
// uncompressed size, compressed size, header offset.
func applyZip64Extra(entry *Entry, extra []byte) error {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if 4+size > len(extra) {
			return fmt.Errorf("extra field overruns record")
		}
		data := extra[4 : 4+size]
		extra = extra[4+size:]

		if tag != zip64ExtraTag {
			continue
		}

		read := func(dst *uint64) error {
			if len(data) < 8 {
				return fmt.Errorf("zip64 extra field too short")
			}
			*dst = binary.LittleEndian.Uint64(data[:8])
			data = data[8:]
			return nil
		}
		if entry.UncompressedSize == sentinel32 {
			if err := read(&entry.UncompressedSize); err != nil {
				return err
			}
		}
		if entry.CompressedSize == sentinel32 {
			if err := read(&entry.CompressedSize); err != nil {
				return err
			}
		}
		if entry.HeaderOffset == sentinel32 {
			if err := read(&entry.HeaderOffset); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// ParseLocalHeader decodes the fixed 30-byte local file header at the start
// of b and verifies its signature.
func ParseLocalHeader(b []byte) (LocalHeader, error) {
	if len(b) < LocalHeaderLen {
		return LocalHeader{}, fmt.Errorf("%w: truncated local file header", ErrFormat)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != SigLocalHeader {
		return LocalHeader{}, fmt.Errorf("%w: expected local file header signature", ErrFormat)
	}
	return LocalHeader{
		Flags:            binary.LittleEndian.Uint16(b[6:8]),
		Method:           binary.LittleEndian.Uint16(b[8:10]),
		CRC32:            binary.LittleEndian.Uint32(b[14:18]),
		CompressedSize:   binary.LittleEndian.Uint32(b[18:22]),
		UncompressedSize: binary.LittleEndian.Uint32(b[22:26]),
		NameLen:          binary.LittleEndian.Uint16(b[26:28]),
		ExtraLen:         binary.LittleEndian.Uint16(b[28:30]),
	}, nil
}

// clampCap bounds the preallocation for entry slices so a forged entry count
// cannot drive a huge allocation before parsing fails.
func clampCap(count uint64) int {
	const max = 64 * 1024
	if count > max {
		return max
	}
	return int(count)
}
