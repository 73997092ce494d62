package zipfmt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirRecord struct {
	name    string
	method  uint16
	flags   uint16
	crc     uint32
	csize   uint32
	usize   uint32
	offset  uint32
	extra   []byte
	comment string
}

func buildDirectory(records ...dirRecord) []byte {
	var buf []byte
	le := binary.LittleEndian
	for _, r := range records {
		h := make([]byte, CentralDirLen)
		le.PutUint32(h[0:4], SigCentralDir)
		le.PutUint16(h[8:10], r.flags)
		le.PutUint16(h[10:12], r.method)
		le.PutUint32(h[16:20], r.crc)
		le.PutUint32(h[20:24], r.csize)
		le.PutUint32(h[24:28], r.usize)
		le.PutUint16(h[28:30], uint16(len(r.name)))
		le.PutUint16(h[30:32], uint16(len(r.extra)))
		le.PutUint16(h[32:34], uint16(len(r.comment)))
		le.PutUint32(h[42:46], r.offset)
		buf = append(buf, h...)
		buf = append(buf, r.name...)
		buf = append(buf, r.extra...)
		buf = append(buf, r.comment...)
	}
	return buf
}

func zip64Extra(values ...uint64) []byte {
	b := make([]byte, 4+8*len(values))
	le := binary.LittleEndian
	le.PutUint16(b[0:2], 0x0001)
	le.PutUint16(b[2:4], uint16(8*len(values)))
	for i, v := range values {
		le.PutUint64(b[4+8*i:], v)
	}
	return b
}

func TestParseDirectory(t *testing.T) {
	t.Parallel()

	t.Run("two entries", func(t *testing.T) {
		t.Parallel()
		buf := buildDirectory(
			dirRecord{name: "a.txt", method: MethodDeflate, crc: 0xDEADBEEF, csize: 40, usize: 100, offset: 0},
			dirRecord{name: "dir/b.txt", method: MethodStored, csize: 7, usize: 7, offset: 75, comment: "second"},
		)

		entries, err := ParseDirectory(buf, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "a.txt", entries[0].Name)
		assert.Equal(t, MethodDeflate, entries[0].Method)
		assert.Equal(t, uint32(0xDEADBEEF), entries[0].CRC32)
		assert.Equal(t, uint64(40), entries[0].CompressedSize)
		assert.Equal(t, uint64(100), entries[0].UncompressedSize)

		assert.Equal(t, "dir/b.txt", entries[1].Name)
		assert.Equal(t, uint64(75), entries[1].HeaderOffset)
		assert.Equal(t, "second", entries[1].Comment)
	})

	t.Run("zip64 extra overrides sentinels", func(t *testing.T) {
		t.Parallel()
		buf := buildDirectory(dirRecord{
			name:   "big.bin",
			method: MethodStored,
			csize:  0xFFFFFFFF,
			usize:  0xFFFFFFFF,
			offset: 0xFFFFFFFF,
			extra:  zip64Extra(6_000_000_000, 6_000_000_000, 4_500_000_000),
		})

		entries, err := ParseDirectory(buf, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(6_000_000_000), entries[0].UncompressedSize)
		assert.Equal(t, uint64(6_000_000_000), entries[0].CompressedSize)
		assert.Equal(t, uint64(4_500_000_000), entries[0].HeaderOffset)
	})

	t.Run("zip64 extra only for sentinel fields", func(t *testing.T) {
		t.Parallel()
		// Only the header offset carries a sentinel, so the extra field
		// stores a single value.
		buf := buildDirectory(dirRecord{
			name:   "far.bin",
			method: MethodStored,
			csize:  10,
			usize:  10,
			offset: 0xFFFFFFFF,
			extra:  zip64Extra(4_200_000_000),
		})

		entries, err := ParseDirectory(buf, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), entries[0].CompressedSize)
		assert.Equal(t, uint64(4_200_000_000), entries[0].HeaderOffset)
	})

	t.Run("unknown extra fields skipped", func(t *testing.T) {
		t.Parallel()
		extra := []byte{0x55, 0x54, 2, 0, 1, 2} // extended timestamp, ignored
		buf := buildDirectory(dirRecord{name: "x", method: MethodStored, csize: 3, usize: 3, extra: extra})

		entries, err := ParseDirectory(buf, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), entries[0].CompressedSize)
	})

	t.Run("short zip64 extra rejected", func(t *testing.T) {
		t.Parallel()
		extra := zip64Extra(6_000_000_000) // one value where two are needed
		buf := buildDirectory(dirRecord{
			name:  "big.bin",
			csize: 0xFFFFFFFF,
			usize: 0xFFFFFFFF,
			extra: extra,
		})

		_, err := ParseDirectory(buf, 1)
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("bad signature aborts parse", func(t *testing.T) {
		t.Parallel()
		buf := buildDirectory(
			dirRecord{name: "ok", method: MethodStored},
			dirRecord{name: "broken", method: MethodStored},
		)
		buf[CentralDirLen+2] = 0xEE // corrupt the second record's signature

		_, err := ParseDirectory(buf, 2)
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("count exceeds buffer", func(t *testing.T) {
		t.Parallel()
		buf := buildDirectory(dirRecord{name: "only", method: MethodStored})

		_, err := ParseDirectory(buf, 2)
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("empty directory", func(t *testing.T) {
		t.Parallel()
		entries, err := ParseDirectory(nil, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("forged count does not overallocate", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDirectory(nil, 1<<40)
		require.ErrorIs(t, err, ErrFormat)
	})
}

func TestParseLocalHeader(t *testing.T) {
	t.Parallel()

	b := make([]byte, LocalHeaderLen)
	le := binary.LittleEndian
	le.PutUint32(b[0:4], SigLocalHeader)
	le.PutUint16(b[6:8], FlagUTF8)
	le.PutUint16(b[8:10], MethodDeflate)
	le.PutUint32(b[14:18], 0xCAFEF00D)
	le.PutUint32(b[18:22], 321)
	le.PutUint32(b[22:26], 654)
	le.PutUint16(b[26:28], 5)
	le.PutUint16(b[28:30], 12)

	h, err := ParseLocalHeader(b)
	require.NoError(t, err)
	assert.Equal(t, MethodDeflate, h.Method)
	assert.Equal(t, uint32(0xCAFEF00D), h.CRC32)
	assert.Equal(t, uint32(321), h.CompressedSize)
	assert.Equal(t, uint32(654), h.UncompressedSize)
	assert.Equal(t, uint16(5), h.NameLen)
	assert.Equal(t, uint16(12), h.ExtraLen)
	assert.False(t, h.HasDataDescriptor())

	t.Run("data descriptor flag", func(t *testing.T) {
		t.Parallel()
		d := append([]byte(nil), b...)
		le.PutUint16(d[6:8], FlagDataDescriptor)
		h, err := ParseLocalHeader(d)
		require.NoError(t, err)
		assert.True(t, h.HasDataDescriptor())
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()
		_, err := ParseLocalHeader(make([]byte, LocalHeaderLen))
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		_, err := ParseLocalHeader(b[:10])
		require.ErrorIs(t, err, ErrFormat)
	})
}
