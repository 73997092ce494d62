// Package extract reads single archive entries out of a remote object with
// targeted range reads: one small fetch for the local file header, one fetch
// for the compressed payload, then streaming decompression with CRC-32
// verification.
package extract

import (
	"errors"
	"fmt"
	"io"

	"github.com/cloudzip/cloudzip/internal/zipfmt"
)

// Sentinel errors.
var (
	// ErrChecksum is returned when the CRC-32 of the decompressed data does
	// not match the central directory record.
	ErrChecksum = errors.New("zip: checksum mismatch")

	// ErrMethod is returned for compression methods other than stored and
	// deflate.
	ErrMethod = errors.New("zip: unsupported compression method")

	// ErrEntryTooLarge is returned when an entry exceeds the configured
	// size limit.
	ErrEntryTooLarge = errors.New("zip: entry exceeds size limit")
)

// ByteSource provides random access to the remote archive bytes.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// rangeReader is an optional ByteSource upgrade. When available, payload
// bytes are streamed from a single range request instead of being read
// through ReadAt.
type rangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// Reader extracts entries from a ByteSource.
type Reader struct {
	source       ByteSource
	maxEntrySize uint64
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxEntrySize limits the compressed and uncompressed size of entries the
// Reader will open. Set to 0 to disable the limit.
func WithMaxEntrySize(limit uint64) Option {
	return func(r *Reader) {
		r.maxEntrySize = limit
	}
}

// NewReader creates a Reader over the given source.
func NewReader(source ByteSource, opts ...Option) *Reader {
	r := &Reader{source: source}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source returns the underlying ByteSource.
func (r *Reader) Source() ByteSource {
	return r.source
}

// OpenEntry returns a File streaming the entry's decompressed bytes.
// Network fetches are deferred to the first Read.
func (r *Reader) OpenEntry(entry *zipfmt.Entry) *File {
	return &File{reader: r, entry: *entry}
}

// ReadAll reads an entry's entire decompressed content into memory and
// verifies its checksum.
func (r *Reader) ReadAll(entry *zipfmt.Entry) ([]byte, error) {
	if r.maxEntrySize > 0 && entry.UncompressedSize > r.maxEntrySize {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", entry.Name, ErrEntryTooLarge, entry.UncompressedSize)
	}

	f := r.OpenEntry(entry)
	defer f.Close()

	content := make([]byte, 0, entry.UncompressedSize)
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		content = append(content, buf[:n]...)
		if err == io.EOF {
			return content, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// validate checks an entry against the source bounds and the size limit
// before any fetch is issued.
func (r *Reader) validate(entry *zipfmt.Entry) error {
	size := r.source.Size()
	if size < 0 {
		return fmt.Errorf("%w: negative source size", zipfmt.ErrFormat)
	}
	if r.maxEntrySize > 0 && (entry.CompressedSize > r.maxEntrySize || entry.UncompressedSize > r.maxEntrySize) {
		return ErrEntryTooLarge
	}
	if entry.Method == zipfmt.MethodStored && entry.CompressedSize != entry.UncompressedSize {
		return fmt.Errorf("%w: stored entry sizes disagree (%d compressed, %d uncompressed)",
			zipfmt.ErrFormat, entry.CompressedSize, entry.UncompressedSize)
	}
	headerEnd := entry.HeaderOffset + zipfmt.LocalHeaderLen
	if headerEnd < entry.HeaderOffset || headerEnd > uint64(size) {
		return fmt.Errorf("%w: local header at offset %d beyond end of archive (%d bytes)",
			zipfmt.ErrFormat, entry.HeaderOffset, size)
	}
	return nil
}

// fetchLocalHeader performs the first of the two per-entry range reads and
// cross-checks the header against the central directory record.
func (r *Reader) fetchLocalHeader(entry *zipfmt.Entry) (zipfmt.LocalHeader, error) {
	var buf [zipfmt.LocalHeaderLen]byte
	if _, err := r.source.ReadAt(buf[:], int64(entry.HeaderOffset)); err != nil {
		return zipfmt.LocalHeader{}, fmt.Errorf("fetch local header at offset %d: %w", entry.HeaderOffset, err)
	}

	header, err := zipfmt.ParseLocalHeader(buf[:])
	if err != nil {
		return zipfmt.LocalHeader{}, err
	}
	if err := crossCheck(entry, &header); err != nil {
		return zipfmt.LocalHeader{}, err
	}
	return header, nil
}

// crossCheck validates the local header against the central directory record.
// A corrupted or adversarial archive must not cause an under-read, so size
// and CRC disagreements are errors rather than warnings. Headers that defer
// sizes to a data descriptor carry zeros; the central directory is
// authoritative for those, and Zip64 headers carry 32-bit sentinels.
func crossCheck(entry *zipfmt.Entry, header *zipfmt.LocalHeader) error {
	if header.Method != entry.Method {
		return fmt.Errorf("%w: method %d in local header, %d in central directory",
			zipfmt.ErrFormat, header.Method, entry.Method)
	}
	if header.HasDataDescriptor() {
		return nil
	}
	if header.CRC32 != entry.CRC32 {
		return fmt.Errorf("%w: CRC %08x in local header, %08x in central directory",
			zipfmt.ErrFormat, header.CRC32, entry.CRC32)
	}
	if !sizeMatches(header.CompressedSize, entry.CompressedSize) {
		return fmt.Errorf("%w: compressed size %d in local header, %d in central directory",
			zipfmt.ErrFormat, header.CompressedSize, entry.CompressedSize)
	}
	if !sizeMatches(header.UncompressedSize, entry.UncompressedSize) {
		return fmt.Errorf("%w: uncompressed size %d in local header, %d in central directory",
			zipfmt.ErrFormat, header.UncompressedSize, entry.UncompressedSize)
	}
	return nil
}

// sizeMatches compares a 32-bit local header size against the authoritative
// 64-bit central directory value. The 0xFFFFFFFF sentinel defers to the
// header's Zip64 extra field, which is not fetched; the central value wins.
func sizeMatches(local uint32, central uint64) bool {
	if local == 0xFFFFFFFF {
		return true
	}
	return uint64(local) == central
}

// payloadReader performs the second per-entry range read, returning a reader
// over exactly the compressed payload plus a release func closing any
// underlying network stream.
func (r *Reader) payloadReader(entry *zipfmt.Entry, header *zipfmt.LocalHeader) (io.Reader, func(), error) {
	dataOff := entry.HeaderOffset + zipfmt.LocalHeaderLen + uint64(header.NameLen) + uint64(header.ExtraLen)
	dataEnd := dataOff + entry.CompressedSize
	if dataEnd < dataOff || dataEnd > uint64(r.source.Size()) {
		return nil, nil, fmt.Errorf("%w: payload [%d, %d) beyond end of archive (%d bytes)",
			zipfmt.ErrFormat, dataOff, dataEnd, r.source.Size())
	}

	if rr, ok := r.source.(rangeReader); ok && entry.CompressedSize > 0 {
		rc, err := rr.ReadRange(int64(dataOff), int64(entry.CompressedSize))
		if err != nil {
			return nil, nil, fmt.Errorf("fetch payload at offset %d: %w", dataOff, err)
		}
		return rc, func() { _ = rc.Close() }, nil
	}
	section := io.NewSectionReader(r.source, int64(dataOff), int64(entry.CompressedSize))
	return section, func() {}, nil
}
