package cache

import (
	"bytes"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/pkg/errors"
)

func openTestStore(t *testing.T, cfg PersistentConfig) *PersistentStore {
	t.Helper()
	cfg.Enabled, cfg.InMemory = true, true
	s, err := OpenPersistent(cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEncodePage_Codecs(t *testing.T) {
	compressible := bytes.Repeat([]byte("bucketfs "), 512)
	random := []byte{0x8f, 0x01, 0xee, 0x42, 0x17}

	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		for name, data := range map[string][]byte{"compressible": compressible, "short": random} {
			t.Run(codec.String()+"/"+name, func(t *testing.T) {
				raw, err := encodePage(data, codec)
				require.NoError(t, err)
				if codec != CodecNone && name == "compressible" {
					assert.Less(t, len(raw), len(data))
				}
				got, err := decodePage(raw)
				require.NoError(t, err)
				assert.Equal(t, data, got)
			})
		}
	}
}

func TestDecodePage_DetectsCorruption(t *testing.T) {
	raw, err := encodePage([]byte("page content"), CodecNone)
	require.NoError(t, err)

	i := bytes.Index(raw, []byte("content"))
	require.Positive(t, i)
	raw[i] ^= 0xff
	_, err = decodePage(raw)
	assert.ErrorContains(t, err, "checksum")

	_, err = decodePage([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecNone, c)

	c, err = ParseCodec("zstd")
	require.NoError(t, err)
	assert.Equal(t, "zstd", c.String())

	_, err = ParseCodec("brotli")
	assert.True(t, errors.IsKind(err, errors.KindInvalidConfig))
}

func TestPersistentStore_GetPut(t *testing.T) {
	s := openTestStore(t, PersistentConfig{Compression: "lz4"})
	id := page("k", 0)

	_, ok, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(id, []byte("hello")))
	data, ok, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(id))
	_, ok, err = s.Get(id)
	require.NoError(t, err)
	assert.False(t, ok)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
}

func TestPersistentStore_CorruptPageIsDropped(t *testing.T) {
	s := openTestStore(t, PersistentConfig{})
	id := page("k", 0)
	require.NoError(t, s.Put(id, []byte("fine")))

	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pageKey(id), []byte("garbage"))
	}))

	_, ok, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestPersistentStore_SizeBound(t *testing.T) {
	probe, err := encodePage(bytes.Repeat([]byte{1}, 100), CodecNone)
	require.NoError(t, err)
	s := openTestStore(t, PersistentConfig{MaxSize: int64(2*len(probe) + len(probe)/2)})

	for i := range int64(4) {
		require.NoError(t, s.Put(page("k", i), bytes.Repeat([]byte{byte(i)}, 100)))
	}
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, uint64(2), s.Stats().Evictions)

	_, ok, err := s.Get(page("k", 0))
	require.NoError(t, err)
	assert.False(t, ok, "oldest page evicted")
	data, ok, err := s.Get(page("k", 3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(3), data[0])
}
