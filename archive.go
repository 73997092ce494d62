package cloudzip

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloudzip/cloudzip/internal/extract"
)

// Interface compliance.
var (
	_ fs.FS         = (*Archive)(nil)
	_ fs.StatFS     = (*Archive)(nil)
	_ fs.ReadDirFS  = (*Archive)(nil)
	_ fs.ReadFileFS = (*Archive)(nil)
)

// Archive is a read-only filesystem view over one Zip archive in a remote
// object store.
//
// The index is built lazily on first access and shared by all callers:
// concurrent first accesses coordinate so exactly one performs the trailer
// and central directory fetches. A failed build is memoized; every later
// operation on the same handle fails with the same error until a fresh
// handle is opened.
//
// An Archive is safe for concurrent use. Extractions are independent per
// request and run fully in parallel.
type Archive struct {
	source       ByteSource
	reader       *extract.Reader
	name         string
	ctx          context.Context
	logger       *slog.Logger
	maxEntrySize uint64

	group singleflight.Group
	idx   atomic.Pointer[indexResult]
}

// indexResult memoizes the outcome of the one index build, success or not.
type indexResult struct {
	idx *Index
	err error
}

// DefaultMaxEntrySize bounds per-entry sizes unless overridden.
const DefaultMaxEntrySize = 1 << 30

// New creates an Archive over the given source. No network access happens
// until the first listing or extraction.
func New(source ByteSource, opts ...Option) *Archive {
	a := &Archive{
		source:       source,
		name:         "archive",
		ctx:          context.Background(),
		maxEntrySize: DefaultMaxEntrySize,
	}
	if id, ok := source.(sourceIdentifier); ok {
		a.name = id.SourceID()
	}
	for _, opt := range opts {
		opt(a)
	}
	a.reader = extract.NewReader(source, extract.WithMaxEntrySize(a.maxEntrySize))
	return a
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a.logger
}

// Load builds the index now instead of on first access. It is safe to call
// concurrently; only one build runs.
func (a *Archive) Load(ctx context.Context) error {
	_, err := a.index(ctx)
	return err
}

// index returns the memoized index, building it under singleflight on first
// call. The result, including a failure, sticks for the handle's lifetime.
func (a *Archive) index(ctx context.Context) (*Index, error) {
	if res := a.idx.Load(); res != nil {
		return res.idx, res.err
	}

	v, _, _ := a.group.Do("index", func() (any, error) {
		if res := a.idx.Load(); res != nil {
			return res, nil
		}
		a.log().Debug("building archive index", "archive", a.name)
		idx, err := buildIndex(ctx, a.source, a.log())
		if err != nil {
			a.log().Debug("index build failed", "archive", a.name, "error", err)
		}
		res := &indexResult{idx: idx, err: err}
		a.idx.Store(res)
		return res, nil
	})

	res := v.(*indexResult)
	return res.idx, res.err
}

// Entries returns every central directory record in archive order,
// duplicates included, building the index if needed.
func (a *Archive) Entries() ([]Entry, error) {
	idx, err := a.index(a.ctx)
	if err != nil {
		return nil, err
	}
	return idx.Entries(), nil
}

// Entry returns the record for name. For duplicate names the last record
// wins.
func (a *Archive) Entry(name string) (Entry, bool, error) {
	idx, err := a.index(a.ctx)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := idx.Lookup(name)
	return e, ok, nil
}

// Len returns the number of entries, building the index if needed.
func (a *Archive) Len() (int, error) {
	idx, err := a.index(a.ctx)
	if err != nil {
		return 0, err
	}
	return idx.Len(), nil
}

// Open implements fs.FS.
//
// Open returns an fs.File streaming the named entry's decompressed bytes.
// The CRC-32 is verified when the stream is exhausted; closing early
// releases the underlying network stream without draining it.
func (a *Archive) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	idx, err := a.index(a.ctx)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	if name == "." {
		return &rootDir{idx: idx}, nil
	}
	entry, ok := a.lookup(idx, name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return a.reader.OpenEntry(&entry), nil
}

// Stat implements fs.StatFS without fetching any entry content.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}

	idx, err := a.index(a.ctx)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}

	if name == "." {
		return rootInfo{}, nil
	}
	entry, ok := a.lookup(idx, name)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return extract.NewInfo(&entry), nil
}

// ReadDir implements fs.ReadDirFS.
//
// The archive is a single flat directory: ReadDir(".") lists every entry in
// archive order, duplicate names included. Entry names containing path
// separators are opaque; no hierarchy is synthesized, so any other name
// reports not-exist.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}

	idx, err := a.index(a.ctx)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	if name != "." {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}

	entries := make([]fs.DirEntry, 0, idx.Len())
	for i := range idx.entries {
		entries = append(entries, extract.NewDirEntry(&idx.entries[i]))
	}
	return entries, nil
}

// ReadFile implements fs.ReadFileFS, reading and verifying the whole entry.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}

	idx, err := a.index(a.ctx)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	entry, ok := a.lookup(idx, name)
	if !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrNotExist}
	}
	return a.reader.ReadAll(&entry)
}

// lookup resolves name to an entry, accepting a directory placeholder
// (trailing separator) under its slash-less name. fs.ValidPath has already
// rejected trailing slashes in the input.
func (a *Archive) lookup(idx *Index, name string) (Entry, bool) {
	if e, ok := idx.Lookup(name); ok {
		return e, true
	}
	return idx.Lookup(name + "/")
}

// The archive is immutable; every write-side operation reports
// errors.ErrUnsupported without attempting anything.

// Remove reports that entries cannot be deleted.
func (a *Archive) Remove(name string) error {
	return &fs.PathError{Op: "remove", Path: name, Err: errors.ErrUnsupported}
}

// Rename reports that entries cannot be renamed.
func (a *Archive) Rename(oldname, _ string) error {
	return &fs.PathError{Op: "rename", Path: oldname, Err: errors.ErrUnsupported}
}

// Mkdir reports that directories cannot be created.
func (a *Archive) Mkdir(name string) error {
	return &fs.PathError{Op: "mkdir", Path: name, Err: errors.ErrUnsupported}
}

// WriteFile reports that entries cannot be written.
func (a *Archive) WriteFile(name string, _ []byte, _ fs.FileMode) error {
	return &fs.PathError{Op: "write", Path: name, Err: errors.ErrUnsupported}
}

// Chtimes reports that timestamps cannot be changed.
func (a *Archive) Chtimes(name string, _, _ time.Time) error {
	return &fs.PathError{Op: "chtimes", Path: name, Err: errors.ErrUnsupported}
}

// rootDir implements fs.ReadDirFile for the archive's single directory.
type rootDir struct {
	idx    *Index
	offset int
}

func (d *rootDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: fs.ErrInvalid}
}

func (d *rootDir) Stat() (fs.FileInfo, error) { return rootInfo{}, nil }
func (d *rootDir) Close() error               { return nil }

func (d *rootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	remaining := d.idx.Len() - d.offset
	if n > 0 && remaining == 0 {
		return nil, io.EOF
	}
	if n <= 0 || n > remaining {
		n = remaining
	}
	entries := make([]fs.DirEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, extract.NewDirEntry(&d.idx.entries[d.offset]))
		d.offset++
	}
	return entries, nil
}

// rootInfo is the synthetic fs.FileInfo for ".".
type rootInfo struct{}

func (rootInfo) Name() string       { return "." }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }
