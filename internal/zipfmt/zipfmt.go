// Package zipfmt implements the Zip archive binary format: the
// end-of-central-directory trailer, Zip64 extensions, central directory
// records, and local file headers.
//
// The package is pure parsing over byte slices. Deciding which byte ranges
// to fetch from a remote object is the caller's job.
package zipfmt

import (
	"errors"
	"strings"
	"time"
)

// Record signatures, little-endian on the wire.
const (
	SigLocalHeader  uint32 = 0x04034b50
	SigCentralDir   uint32 = 0x02014b50
	SigEOCD         uint32 = 0x06054b50
	SigZip64EOCD    uint32 = 0x06064b50
	SigZip64Locator uint32 = 0x07064b50
)

// Fixed record sizes.
const (
	LocalHeaderLen  = 30
	CentralDirLen   = 46
	EOCDLen         = 22
	Zip64LocatorLen = 20
	Zip64EOCDLen    = 56

	// MaxCommentLen bounds the EOCD comment, and with it the distance the
	// trailer can sit from the end of the archive.
	MaxCommentLen = 65535

	// TailLen is the number of bytes from the end of an archive that are
	// guaranteed to contain the EOCD record.
	TailLen = EOCDLen + MaxCommentLen
)

// Compression methods.
const (
	MethodStored  uint16 = 0
	MethodDeflate uint16 = 8
)

// General purpose flag bits.
const (
	FlagEncrypted      uint16 = 1 << 0
	FlagDataDescriptor uint16 = 1 << 3
	FlagUTF8           uint16 = 1 << 11
)

// 32-bit and 16-bit sentinel values indicating Zip64 overrides.
const (
	sentinel16 = 0xFFFF
	sentinel32 = 0xFFFFFFFF
)

// zip64ExtraTag identifies the Zip64 extended information extra field.
const zip64ExtraTag uint16 = 0x0001

// ErrFormat reports a structurally invalid archive: a missing or mismatched
// signature, a truncated record, or inconsistent framing.
var ErrFormat = errors.New("zip: malformed archive")

// EOCD describes the central directory as recorded by the trailer,
// after any Zip64 override has been applied.
type EOCD struct {
	// EntryCount is the total number of central directory records.
	EntryCount uint64

	// DirSize is the byte size of the central directory.
	DirSize uint64

	// DirOffset is the central directory's offset from the start of the archive.
	DirOffset uint64

	// CommentLen is the length of the trailing archive comment.
	CommentLen uint16
}

// NeedsZip64 reports whether any trailer field carries a sentinel value,
// meaning the authoritative values live in the Zip64 EOCD record.
func (e *EOCD) NeedsZip64() bool {
	return e.EntryCount == sentinel16 || e.DirSize == sentinel32 || e.DirOffset == sentinel32
}

// Entry is one central directory record. Sizes and the header offset are
// post-Zip64: when the 32-bit fields carried sentinels, the values here come
// from the Zip64 extra field.
type Entry struct {
	// Name is the entry path as stored in the archive. Path separators are
	// opaque bytes; the archive is a flat namespace.
	Name string

	// Comment is the per-entry comment, usually empty.
	Comment string

	// Flags is the general purpose bit flag.
	Flags uint16

	// Method is the compression method (MethodStored or MethodDeflate
	// are the ones extraction supports).
	Method uint16

	// CRC32 is the checksum of the uncompressed data.
	CRC32 uint32

	// CompressedSize and UncompressedSize are the payload sizes in bytes.
	CompressedSize   uint64
	UncompressedSize uint64

	// HeaderOffset is the offset of the entry's local file header from the
	// start of the archive.
	HeaderOffset uint64

	// ModTime is the last-modified time from the MS-DOS date/time fields.
	ModTime time.Time
}

// IsDir reports whether the entry names a directory placeholder.
func (e *Entry) IsDir() bool {
	return strings.HasSuffix(e.Name, "/")
}

// UTF8 reports whether the name and comment are flagged as UTF-8.
// Unflagged names are passed through byte-for-byte.
func (e *Entry) UTF8() bool {
	return e.Flags&FlagUTF8 != 0
}

// LocalHeader is the fixed part of a local file header. The variable name
// and extra sections follow it; the compressed payload starts at
// HeaderOffset + LocalHeaderLen + NameLen + ExtraLen.
type LocalHeader struct {
	Flags            uint16
	Method           uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	NameLen          uint16
	ExtraLen         uint16
}

// HasDataDescriptor reports whether sizes and CRC were deferred to a trailing
// data descriptor, leaving the header fields zero. The central directory
// record is authoritative in that case.
func (h *LocalHeader) HasDataDescriptor() bool {
	return h.Flags&FlagDataDescriptor != 0
}

// dosTime converts MS-DOS date and time fields to a time.Time in UTC.
// The encoding has two-second resolution and a 1980 epoch.
func dosTime(date, tm uint16) time.Time {
	year := int(date>>9) + 1980
	month := time.Month(date >> 5 & 0xF)
	day := int(date & 0x1F)
	hour := int(tm >> 11)
	minute := int(tm >> 5 & 0x3F)
	sec := int(tm&0x1F) * 2
	return time.Date(year, month, day, hour, minute, sec, 0, time.UTC)
}
