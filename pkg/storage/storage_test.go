package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/portreeve/pkg/codec"
)

func tempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "records.db")
}

func TestWriteReadDelete(t *testing.T) {
	f, err := Open(tempFile(t))
	require.NoError(t, err)
	defer f.Close()

	val := codec.Obj(map[string]codec.Value{
		"hostname": codec.Str("a.example.com"),
	})
	id, err := f.Write(val)
	require.NoError(t, err)

	got, err := f.Read(id)
	require.NoError(t, err)
	assert.True(t, codec.Equal(val, got))

	require.NoError(t, f.Delete(id))
	_, err = f.Read(id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.Delete(id), ErrNotFound)
}

func TestFlushAndReopenPreservesIndex(t *testing.T) {
	path := tempFile(t)
	f, err := Open(path)
	require.NoError(t, err)

	ids := make(map[string]codec.Value)
	for i := 0; i < 5; i++ {
		v := codec.Obj(map[string]codec.Value{"n": codec.Int(int64(i))})
		id, err := f.Write(v)
		require.NoError(t, err)
		ids[id.String()] = v
	}
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(5), reopened.RecordCount())
	for _, e := range reopened.Entries() {
		want, ok := ids[e.Key.String()]
		require.True(t, ok)
		got, err := reopened.Read(e.Key)
		require.NoError(t, err)
		assert.True(t, codec.Equal(want, got))
	}
}

func TestReopenWithoutFlushLosesIndex(t *testing.T) {
	path := tempFile(t)
	f, err := Open(path)
	require.NoError(t, err)
	_, err = f.Write(codec.Str("never flushed"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(0), reopened.RecordCount())
}

func TestCorruptionDetected(t *testing.T) {
	path := tempFile(t)
	f, err := Open(path)
	require.NoError(t, err)

	id, err := f.Write(codec.Str("corrupt me"))
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the payload region (past the 32-byte header and the
	// 20-byte id+size record prefix).
	raw[headerSize+recordPrefix] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Read(id)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestCompactReclaimsDeletedSpaceAndMintsNewIds(t *testing.T) {
	path := tempFile(t)
	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	keepVal := codec.Str("keep me")
	keepID, err := f.Write(keepVal)
	require.NoError(t, err)
	deadID, err := f.Write(codec.Str("drop me"))
	require.NoError(t, err)
	require.NoError(t, f.Delete(deadID))
	require.NoError(t, f.Flush())

	require.NoError(t, f.Compact())

	assert.Equal(t, uint64(1), f.RecordCount())
	entries := f.Entries()
	require.Len(t, entries, 1)
	assert.NotEqual(t, keepID, entries[0].Key, "compaction mints a new storage id")

	got, err := f.Read(entries[0].Key)
	require.NoError(t, err)
	assert.True(t, codec.Equal(keepVal, got))

	_, err = f.Read(keepID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := tempFile(t)
	require.NoError(t, os.WriteFile(path, []byte("not a portreeve file at all, just garbage"), 0o644))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}
