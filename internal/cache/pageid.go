package cache

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// PageID addresses one page of one object version.
type PageID [32]byte

// NewPageID derives the id of page index of key at etag.
func NewPageID(key, etag string, index int64) PageID {
	h := blake3.New()
	sep := []byte{0}
	_, _ = h.Write([]byte(key))
	_, _ = h.Write(sep)
	_, _ = h.Write([]byte(etag))
	_, _ = h.Write(sep)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	_, _ = h.Write(idx[:])

	var id PageID
	h.Sum(id[:0])
	return id
}

func (id PageID) String() string {
	return hex.EncodeToString(id[:])
}
