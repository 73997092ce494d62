package cloudzip

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cloudzip/cloudzip/internal/zipfmt"
)

// Index is the parsed central directory of one archive: the ordered entry
// records plus a name lookup where the last record wins, mirroring standard
// Zip tooling. An Index is built once per archive handle and never mutated.
type Index struct {
	eocd    zipfmt.EOCD
	entries []Entry
	byName  map[string]int
}

// Len returns the number of central directory records.
func (x *Index) Len() int {
	return len(x.entries)
}

// Entries returns the records in archive order, duplicates included.
func (x *Index) Entries() []Entry {
	out := make([]Entry, len(x.entries))
	copy(out, x.entries)
	return out
}

// Lookup returns the record for name. When the archive holds duplicate
// names, the last record wins.
func (x *Index) Lookup(name string) (Entry, bool) {
	i, ok := x.byName[name]
	if !ok {
		return Entry{}, false
	}
	return x.entries[i], true
}

// buildIndex locates and parses the archive's central directory with two
// range fetches: the trailer window at the end of the object and the
// directory itself. Zip64 archives may need up to two more small fetches
// when the locator or end record falls outside the trailer window.
func buildIndex(ctx context.Context, source ByteSource, logger *slog.Logger) (*Index, error) {
	size := source.Size()
	if size < zipfmt.EOCDLen {
		return nil, fmt.Errorf("%w: object is %d bytes, smaller than a trailer", ErrFormat, size)
	}

	tailLen := int64(zipfmt.TailLen)
	if tailLen > size {
		tailLen = size
	}
	tailStart := size - tailLen

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tail := make([]byte, tailLen)
	if err := readFullAt(source, tail, tailStart); err != nil {
		return nil, fmt.Errorf("fetch trailer window [%d, %d): %w", tailStart, size, err)
	}

	eocd, pos, err := zipfmt.FindEOCD(tail)
	if err != nil {
		return nil, err
	}
	eocdOffset := tailStart + int64(pos)
	logger.Debug("located end of central directory",
		"offset", eocdOffset, "entries", eocd.EntryCount, "zip64", eocd.NeedsZip64())

	dirEnd := eocdOffset
	if eocd.NeedsZip64() {
		z, zEnd, ok, err := resolveZip64(ctx, source, tail, tailStart, eocdOffset)
		if err != nil {
			return nil, err
		}
		// Without a locator the sentinel is a real value: a 16-bit entry
		// count of 0xFFFF means exactly 65535 entries, and the 32-bit
		// trailer fields stay authoritative.
		if ok {
			eocd, dirEnd = z, zEnd
		}
	}

	if err := validateGeometry(&eocd, dirEnd, size); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := make([]byte, eocd.DirSize)
	if err := readFullAt(source, dir, int64(eocd.DirOffset)); err != nil {
		return nil, fmt.Errorf("fetch central directory [%d, %d): %w",
			eocd.DirOffset, eocd.DirOffset+eocd.DirSize, err)
	}

	entries, err := zipfmt.ParseDirectory(dir, eocd.EntryCount)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int, len(entries))
	for i := range entries {
		if entries[i].HeaderOffset >= eocd.DirOffset {
			return nil, fmt.Errorf("%w: entry %q has local header at %d, inside or after the central directory at %d",
				ErrFormat, entries[i].Name, entries[i].HeaderOffset, eocd.DirOffset)
		}
		byName[entries[i].Name] = i
	}

	logger.Debug("central directory parsed", "entries", len(entries), "bytes", eocd.DirSize)
	return &Index{eocd: eocd, entries: entries, byName: byName}, nil
}

// resolveZip64 looks for the Zip64 locator immediately preceding the 32-bit
// trailer. When the locator is present it returns the overriding end record
// plus the offset the directory must end at or before; when the preceding
// bytes carry no locator signature it reports ok=false and the caller keeps
// the 32-bit trailer values.
func resolveZip64(ctx context.Context, source ByteSource, tail []byte, tailStart, eocdOffset int64) (zipfmt.EOCD, int64, bool, error) {
	locOffset := eocdOffset - zipfmt.Zip64LocatorLen
	if locOffset < 0 {
		return zipfmt.EOCD{}, 0, false, nil
	}

	loc, err := bytesAt(ctx, source, tail, tailStart, locOffset, zipfmt.Zip64LocatorLen)
	if err != nil {
		return zipfmt.EOCD{}, 0, false, fmt.Errorf("fetch zip64 locator at %d: %w", locOffset, err)
	}
	if !zipfmt.HasZip64Locator(loc) {
		return zipfmt.EOCD{}, 0, false, nil
	}
	recOffset, err := zipfmt.ParseZip64Locator(loc)
	if err != nil {
		return zipfmt.EOCD{}, 0, false, err
	}
	if int64(recOffset) < 0 || int64(recOffset)+zipfmt.Zip64EOCDLen > locOffset+zipfmt.Zip64LocatorLen {
		return zipfmt.EOCD{}, 0, false, fmt.Errorf("%w: zip64 end record offset %d out of range", ErrFormat, recOffset)
	}

	rec, err := bytesAt(ctx, source, tail, tailStart, int64(recOffset), zipfmt.Zip64EOCDLen)
	if err != nil {
		return zipfmt.EOCD{}, 0, false, fmt.Errorf("fetch zip64 end record at %d: %w", recOffset, err)
	}
	eocd, err := zipfmt.ParseZip64EOCD(rec)
	if err != nil {
		return zipfmt.EOCD{}, 0, false, err
	}
	return eocd, int64(recOffset), true, nil
}

// validateGeometry rejects directories that extend past the object or past
// the trailer describing them.
func validateGeometry(eocd *zipfmt.EOCD, dirEnd, size int64) error {
	end := eocd.DirOffset + eocd.DirSize
	if end < eocd.DirOffset || end > uint64(size) {
		return fmt.Errorf("%w: central directory [%d, %d) extends past end of object (%d bytes)",
			ErrFormat, eocd.DirOffset, end, size)
	}
	if end > uint64(dirEnd) {
		return fmt.Errorf("%w: central directory [%d, %d) overlaps its trailer at %d",
			ErrFormat, eocd.DirOffset, end, dirEnd)
	}
	if eocd.EntryCount*zipfmt.CentralDirLen > eocd.DirSize {
		return fmt.Errorf("%w: %d entries cannot fit in a %d byte central directory",
			ErrFormat, eocd.EntryCount, eocd.DirSize)
	}
	return nil
}

// bytesAt returns length bytes at off, slicing the already-fetched tail
// when the range lies inside it and fetching otherwise.
func bytesAt(ctx context.Context, source ByteSource, tail []byte, tailStart, off, length int64) ([]byte, error) {
	if off >= tailStart && off+length <= tailStart+int64(len(tail)) {
		rel := off - tailStart
		return tail[rel : rel+length], nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := readFullAt(source, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFullAt reads exactly len(buf) bytes at off. A short read is an error;
// truncation must never be silent.
func readFullAt(source ByteSource, buf []byte, off int64) error {
	n, err := source.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: short read (%d of %d bytes)", ErrFormat, n, len(buf))
	}
	return err
}
