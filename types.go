package cloudzip

import (
	"io"

	"github.com/cloudzip/cloudzip/internal/zipfmt"
)

// Entry is one central directory record: name, sizes, compression method,
// CRC-32, local header offset, and modification time. Sizes and offsets are
// post-Zip64.
type Entry = zipfmt.Entry

// Compression methods extraction supports.
const (
	MethodStored  = zipfmt.MethodStored
	MethodDeflate = zipfmt.MethodDeflate
)

// ByteSource provides random access to the remote archive bytes.
//
// Implementations exist for gocloud.dev buckets (bucket.Source) and HTTP
// range requests (http.Source). A source may additionally implement
// RangeReader, in which case entry payloads are streamed from a single
// range request instead of read through ReadAt.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// RangeReader is an optional ByteSource upgrade for streaming reads.
// Close on the returned reader must release the underlying network stream
// even when the range has not been fully consumed.
type RangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// sourceIdentifier is implemented by sources that can name themselves.
// The name appears in error and log context.
type sourceIdentifier interface {
	SourceID() string
}
