package extract

import (
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/cloudzip/cloudzip/internal/zipfmt"
)

// File implements fs.File for a single entry, streaming decompressed bytes
// with incremental CRC-32 accumulation. The checksum is compared against the
// central directory record exactly once, when the stream is exhausted.
//
// Close releases the underlying network stream on every exit path, including
// early cancellation; it does not drain the remaining payload.
type File struct {
	reader *Reader
	entry  zipfmt.Entry

	r         io.Reader
	release   func()
	hasher    hash.Hash32
	remaining uint64

	initialized bool
	initErr     error
	verified    bool
	verifyErr   error
}

// Interface compliance.
var _ fs.File = (*File)(nil)

// Read implements io.Reader. The integrity check runs when the decompressed
// stream is exhausted; a mismatch surfaces as ErrChecksum alongside the
// final read, never as silently wrong data followed by a clean EOF.
func (f *File) Read(p []byte) (int, error) {
	if err := f.init(); err != nil {
		return 0, err
	}
	if f.verified {
		return 0, f.eofOr(f.verifyErr)
	}
	if len(p) == 0 {
		return 0, nil
	}

	if f.remaining == 0 {
		return 0, f.finish()
	}
	if uint64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}

	n, err := f.r.Read(p)
	if n > 0 {
		_, _ = f.hasher.Write(p[:n])
		f.remaining -= uint64(n)
	}

	switch {
	case err == io.EOF:
		if f.remaining != 0 {
			return n, fmt.Errorf("read %s: %w: decompressed stream ended %d bytes short",
				f.entry.Name, zipfmt.ErrFormat, f.remaining)
		}
		if verifyErr := f.finish(); verifyErr != io.EOF {
			return n, verifyErr
		}
		return n, io.EOF
	case err != nil:
		return n, fmt.Errorf("read %s: %w", f.entry.Name, err)
	}
	return n, nil
}

// Stat returns file info for the entry.
func (f *File) Stat() (fs.FileInfo, error) {
	return NewInfo(&f.entry), nil
}

// Close releases the payload stream. It never blocks on draining the
// remaining compressed bytes, so cancelling mid-read frees the connection
// deterministically.
func (f *File) Close() error {
	if f.release != nil {
		f.release()
		f.release = nil
	}
	if f.verified {
		return f.verifyErr
	}
	return nil
}

// init performs the header fetch and wires up decompression. It runs once;
// subsequent calls replay its result.
func (f *File) init() error {
	if f.initialized {
		return f.initErr
	}
	f.initialized = true

	fail := func(err error) error {
		f.initErr = fmt.Errorf("open %s: %w", f.entry.Name, err)
		return f.initErr
	}

	if err := f.reader.validate(&f.entry); err != nil {
		return fail(err)
	}
	header, err := f.reader.fetchLocalHeader(&f.entry)
	if err != nil {
		return fail(err)
	}
	payload, release, err := f.reader.payloadReader(&f.entry, &header)
	if err != nil {
		return fail(err)
	}

	switch f.entry.Method {
	case zipfmt.MethodStored:
		f.r = payload
		f.release = release
	case zipfmt.MethodDeflate:
		inflater := flate.NewReader(payload)
		f.r = inflater
		f.release = func() {
			_ = inflater.Close()
			release()
		}
	default:
		release()
		return fail(fmt.Errorf("%w: method %d", ErrMethod, f.entry.Method))
	}

	f.remaining = f.entry.UncompressedSize
	f.hasher = crc32.NewIEEE()
	return nil
}

// finish verifies the CRC once the expected byte count has been delivered
// and checks the decompressor produced no trailing data.
func (f *File) finish() error {
	if f.verified {
		return f.eofOr(f.verifyErr)
	}
	f.verified = true

	var scratch [1]byte
	if n, err := f.r.Read(scratch[:]); n > 0 || (err != nil && err != io.EOF) {
		if n > 0 {
			f.verifyErr = fmt.Errorf("read %s: %w: decompressed stream longer than recorded size %d",
				f.entry.Name, zipfmt.ErrFormat, f.entry.UncompressedSize)
		} else {
			f.verifyErr = fmt.Errorf("read %s: %w", f.entry.Name, err)
		}
		return f.verifyErr
	}

	if sum := f.hasher.Sum32(); sum != f.entry.CRC32 {
		f.verifyErr = fmt.Errorf("read %s: %w: got %08x, central directory records %08x",
			f.entry.Name, ErrChecksum, sum, f.entry.CRC32)
		return f.verifyErr
	}
	return io.EOF
}

func (f *File) eofOr(err error) error {
	if err != nil {
		return err
	}
	return io.EOF
}

// Info implements fs.FileInfo for an archive entry. The archive is
// read-only, so modes carry no write bits.
type Info struct {
	entry zipfmt.Entry
}

// NewInfo creates an Info from an entry.
func NewInfo(entry *zipfmt.Entry) *Info {
	return &Info{entry: *entry}
}

func (fi *Info) Name() string { return baseName(fi.entry.Name) }

func (fi *Info) Size() int64 {
	if fi.entry.UncompressedSize > uint64(1)<<62 {
		return 0
	}
	return int64(fi.entry.UncompressedSize)
}

func (fi *Info) Mode() fs.FileMode {
	if fi.entry.IsDir() {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

func (fi *Info) ModTime() time.Time { return fi.entry.ModTime }
func (fi *Info) IsDir() bool        { return fi.entry.IsDir() }
func (fi *Info) Sys() any           { return nil }

// Entry returns the underlying central directory record.
func (fi *Info) Entry() *zipfmt.Entry {
	return &fi.entry
}

// DirEntry implements fs.DirEntry by wrapping an Info.
type DirEntry struct {
	info *Info
}

// NewDirEntry creates a DirEntry for an archive entry.
func NewDirEntry(entry *zipfmt.Entry) *DirEntry {
	return &DirEntry{info: NewInfo(entry)}
}

func (de *DirEntry) Name() string               { return de.info.entry.Name }
func (de *DirEntry) IsDir() bool                { return de.info.IsDir() }
func (de *DirEntry) Type() fs.FileMode          { return de.info.Mode().Type() }
func (de *DirEntry) Info() (fs.FileInfo, error) { return de.info, nil }

// baseName strips any directory-looking prefix and trailing separator from
// an entry name. Listing stays flat; this only affects fs.FileInfo.Name.
func baseName(name string) string {
	for len(name) > 0 && name[len(name)-1] == '/' {
		name = name[:len(name)-1]
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
