package cloudzip

import (
	"errors"

	"github.com/cloudzip/cloudzip/internal/extract"
	"github.com/cloudzip/cloudzip/internal/zipfmt"
)

// Errors re-exported from the format and extraction internals.
var (
	// ErrFormat is returned for structurally invalid archives: missing or
	// mismatched signatures, truncated records, inconsistent framing.
	ErrFormat = zipfmt.ErrFormat

	// ErrChecksum is returned when an entry's decompressed bytes do not
	// match the CRC-32 recorded in the central directory.
	ErrChecksum = extract.ErrChecksum

	// ErrUnsupportedMethod is returned for compression methods other than
	// stored and deflate.
	ErrUnsupportedMethod = extract.ErrMethod

	// ErrEntryTooLarge is returned when an entry exceeds the configured
	// size limit.
	ErrEntryTooLarge = extract.ErrEntryTooLarge
)

// Errors specific to the cloudzip package.
var (
	// ErrSessionClosed is returned when using a Session after Close.
	ErrSessionClosed = errors.New("cloudzip: session closed")

	// ErrInvalidRef is returned when a reference, container name, or object
	// name fails validation.
	ErrInvalidRef = errors.New("cloudzip: invalid reference")
)
