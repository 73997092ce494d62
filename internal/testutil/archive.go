// Package testutil builds Zip fixtures and in-memory byte sources for
// tests. The raw builders write the format by hand so tests control every
// field; the stdlib-backed builder produces archives the way common tooling
// does, data descriptors included.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sort"
	"sync"
	"testing"
)

// RawEntry describes one stored entry for the raw builders.
type RawEntry struct {
	Name string
	Data []byte
}

// BuildZip creates an archive with the standard library writer. Entries are
// added in sorted name order and carry data descriptors, matching what most
// Zip tooling produces. method is zip.Store or zip.Deflate.
func BuildZip(t *testing.T, files map[string][]byte, method uint16) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := fw.Write(files[name]); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

// BuildRaw writes a stored archive by hand: no data descriptors, sizes and
// CRC present in both headers, an optional trailing comment. Duplicate
// names are written as-is.
func BuildRaw(entries []RawEntry, comment string) []byte {
	var buf bytes.Buffer
	offsets := make([]uint32, len(entries))

	for i, e := range entries {
		offsets[i] = uint32(buf.Len())
		writeLocalHeader(&buf, e)
		buf.Write(e.Data)
	}

	dirOffset := uint32(buf.Len())
	for i, e := range entries {
		writeCentralDir(&buf, e, offsets[i])
	}
	dirSize := uint32(buf.Len()) - dirOffset

	writeEOCD(&buf, uint16(len(entries)), dirSize, dirOffset, comment)
	return buf.Bytes()
}

// BuildRawZip64 writes the same stored layout as BuildRaw, then a Zip64 end
// record and locator, and a trailer whose count, size, and offset fields all
// carry sentinels. The true geometry lives only in the Zip64 record.
func BuildRawZip64(entries []RawEntry) []byte {
	var buf bytes.Buffer
	offsets := make([]uint32, len(entries))

	for i, e := range entries {
		offsets[i] = uint32(buf.Len())
		writeLocalHeader(&buf, e)
		buf.Write(e.Data)
	}

	dirOffset := uint64(buf.Len())
	for i, e := range entries {
		writeCentralDir(&buf, e, offsets[i])
	}
	dirSize := uint64(buf.Len()) - dirOffset
	recOffset := uint64(buf.Len())

	// Zip64 end of central directory record.
	le := binary.LittleEndian
	var rec [56]byte
	le.PutUint32(rec[0:4], 0x06064b50)
	le.PutUint64(rec[4:12], 44)
	le.PutUint16(rec[12:14], 45)
	le.PutUint16(rec[14:16], 45)
	le.PutUint64(rec[24:32], uint64(len(entries)))
	le.PutUint64(rec[32:40], uint64(len(entries)))
	le.PutUint64(rec[40:48], dirSize)
	le.PutUint64(rec[48:56], dirOffset)
	buf.Write(rec[:])

	// Locator.
	var loc [20]byte
	le.PutUint32(loc[0:4], 0x07064b50)
	le.PutUint64(loc[8:16], recOffset)
	le.PutUint32(loc[16:20], 1)
	buf.Write(loc[:])

	// Trailer with every field deferred to the Zip64 record.
	var eocd [22]byte
	le.PutUint32(eocd[0:4], 0x06054b50)
	le.PutUint16(eocd[8:10], 0xFFFF)
	le.PutUint16(eocd[10:12], 0xFFFF)
	le.PutUint32(eocd[12:16], 0xFFFFFFFF)
	le.PutUint32(eocd[16:20], 0xFFFFFFFF)
	buf.Write(eocd[:])

	return buf.Bytes()
}

func writeLocalHeader(buf *bytes.Buffer, e RawEntry) {
	le := binary.LittleEndian
	var h [30]byte
	le.PutUint32(h[0:4], 0x04034b50)
	le.PutUint16(h[4:6], 20)
	le.PutUint32(h[14:18], crc32.ChecksumIEEE(e.Data))
	le.PutUint32(h[18:22], uint32(len(e.Data)))
	le.PutUint32(h[22:26], uint32(len(e.Data)))
	le.PutUint16(h[26:28], uint16(len(e.Name)))
	buf.Write(h[:])
	buf.WriteString(e.Name)
}

func writeCentralDir(buf *bytes.Buffer, e RawEntry, headerOffset uint32) {
	le := binary.LittleEndian
	var h [46]byte
	le.PutUint32(h[0:4], 0x02014b50)
	le.PutUint16(h[4:6], 20)
	le.PutUint16(h[6:8], 20)
	le.PutUint32(h[16:20], crc32.ChecksumIEEE(e.Data))
	le.PutUint32(h[20:24], uint32(len(e.Data)))
	le.PutUint32(h[24:28], uint32(len(e.Data)))
	le.PutUint16(h[28:30], uint16(len(e.Name)))
	le.PutUint32(h[42:46], headerOffset)
	buf.Write(h[:])
	buf.WriteString(e.Name)
}

func writeEOCD(buf *bytes.Buffer, count uint16, dirSize, dirOffset uint32, comment string) {
	le := binary.LittleEndian
	var h [22]byte
	le.PutUint32(h[0:4], 0x06054b50)
	le.PutUint16(h[8:10], count)
	le.PutUint16(h[10:12], count)
	le.PutUint32(h[12:16], dirSize)
	le.PutUint32(h[16:20], dirOffset)
	le.PutUint16(h[20:22], uint16(len(comment)))
	buf.Write(h[:])
	buf.WriteString(comment)
}

// MemSource serves a byte slice through ReadAt and counts calls.
type MemSource struct {
	Data []byte

	mu    sync.Mutex
	reads int
}

func (s *MemSource) Size() int64 {
	return int64(len(s.Data))
}

func (s *MemSource) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()

	if off < 0 {
		return 0, io.EOF
	}
	if off >= int64(len(s.Data)) {
		return 0, io.EOF
	}
	n := copy(p, s.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Reads returns the number of ReadAt calls so far.
func (s *MemSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// RangeSource is a MemSource that also serves range streams, and counts
// them separately.
type RangeSource struct {
	MemSource

	rmu    sync.Mutex
	ranges int
}

func (s *RangeSource) ReadRange(off, length int64) (io.ReadCloser, error) {
	s.rmu.Lock()
	s.ranges++
	s.rmu.Unlock()

	if off < 0 || length < 0 || off+length > int64(len(s.Data)) {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(s.Data[off : off+length])), nil
}

// Ranges returns the number of ReadRange calls so far.
func (s *RangeSource) Ranges() int {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.ranges
}
