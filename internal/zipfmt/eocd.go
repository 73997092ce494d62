package zipfmt

import (
	"encoding/binary"
	"fmt"
)

// FindEOCD scans tail, the final bytes of an archive, for the
// end-of-central-directory record and returns the parsed record plus the
// offset of its signature within tail.
//
// The scan runs backward from the end so the last record wins, and a
// candidate is only accepted when its comment length places the end of the
// record exactly at the end of the archive. That rejects stray signature
// bytes embedded in the archive comment.
func FindEOCD(tail []byte) (EOCD, int, error) {
	if len(tail) < EOCDLen {
		return EOCD{}, 0, fmt.Errorf("%w: %d bytes is too small for a trailer", ErrFormat, len(tail))
	}

	for pos := len(tail) - EOCDLen; pos >= 0; pos-- {
		if binary.LittleEndian.Uint32(tail[pos:pos+4]) != SigEOCD {
			continue
		}
		rec, err := parseEOCD(tail[pos:])
		if err != nil {
			continue
		}
		if pos+EOCDLen+int(rec.CommentLen) != len(tail) {
			continue
		}
		return rec, pos, nil
	}

	return EOCD{}, 0, fmt.Errorf("%w: no end of central directory signature found", ErrFormat)
}

// parseEOCD decodes the 22-byte trailer at the start of b.
// Multi-disk archives are rejected.
func parseEOCD(b []byte) (EOCD, error) {
	if len(b) < EOCDLen {
		return EOCD{}, fmt.Errorf("%w: truncated end of central directory record", ErrFormat)
	}

	diskNum := binary.LittleEndian.Uint16(b[4:6])
	dirDisk := binary.LittleEndian.Uint16(b[6:8])
	diskEntries := binary.LittleEndian.Uint16(b[8:10])
	totalEntries := binary.LittleEndian.Uint16(b[10:12])

	if diskNum != dirDisk || (diskNum != 0 && diskNum != sentinel16) {
		return EOCD{}, fmt.Errorf("%w: multi-disk archives are not supported", ErrFormat)
	}
	if diskEntries != totalEntries {
		return EOCD{}, fmt.Errorf("%w: entry counts disagree across disks", ErrFormat)
	}

	return EOCD{
		EntryCount: uint64(totalEntries),
		DirSize:    uint64(binary.LittleEndian.Uint32(b[12:16])),
		DirOffset:  uint64(binary.LittleEndian.Uint32(b[16:20])),
		CommentLen: binary.LittleEndian.Uint16(b[20:22]),
	}, nil
}

// HasZip64Locator reports whether b starts with the Zip64 EOCD locator
// signature. A trailer field holding a sentinel value is only authoritative
// when this locator actually precedes the trailer; 0xFFFF is also a
// legitimate entry count of 65535.
func HasZip64Locator(b []byte) bool {
	return len(b) >= 4 && binary.LittleEndian.Uint32(b[0:4]) == SigZip64Locator
}

// ParseZip64Locator decodes the 20-byte Zip64 EOCD locator and returns the
// absolute offset of the Zip64 end-of-central-directory record.
func ParseZip64Locator(b []byte) (uint64, error) {
	if len(b) < Zip64LocatorLen {
		return 0, fmt.Errorf("%w: truncated zip64 locator", ErrFormat)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != SigZip64Locator {
		return 0, fmt.Errorf("%w: expected zip64 end of central directory locator signature", ErrFormat)
	}
	if disks := binary.LittleEndian.Uint32(b[16:20]); disks > 1 {
		return 0, fmt.Errorf("%w: multi-disk archives are not supported", ErrFormat)
	}
	return binary.LittleEndian.Uint64(b[8:16]), nil
}

// ParseZip64EOCD decodes the fixed portion of the Zip64 end-of-central-
// directory record and returns the directory geometry it carries. The
// record's 32-bit sentinels are overridden wholesale: every field of the
// result comes from the Zip64 record.
func ParseZip64EOCD(b []byte) (EOCD, error) {
	if len(b) < Zip64EOCDLen {
		return EOCD{}, fmt.Errorf("%w: truncated zip64 end of central directory record", ErrFormat)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != SigZip64EOCD {
		return EOCD{}, fmt.Errorf("%w: expected zip64 end of central directory signature", ErrFormat)
	}

	diskEntries := binary.LittleEndian.Uint64(b[24:32])
	totalEntries := binary.LittleEndian.Uint64(b[32:40])
	if diskEntries != totalEntries {
		return EOCD{}, fmt.Errorf("%w: entry counts disagree across disks", ErrFormat)
	}

	return EOCD{
		EntryCount: totalEntries,
		DirSize:    binary.LittleEndian.Uint64(b[40:48]),
		DirOffset:  binary.LittleEndian.Uint64(b[48:56]),
	}, nil
}
