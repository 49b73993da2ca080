package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadAhead_Sequential(t *testing.T) {
	r := newReadAhead(2)

	assert.Nil(t, r.observe("f", 0, 0, 9), "first read only opens a stream")
	assert.Equal(t, []int64{1, 2}, r.observe("f", 0, 0, 9), "re-reading the tail counts as sequential")
	assert.Equal(t, []int64{3}, r.observe("f", 1, 1, 9))
	assert.Equal(t, []int64{4}, r.observe("f", 2, 2, 9))
	assert.Nil(t, r.observe("f", 3, 3, 4), "clamped to the last page")
}

func TestReadAhead_RandomAccessResets(t *testing.T) {
	r := newReadAhead(3)

	r.observe("f", 0, 0, 99)
	assert.NotEmpty(t, r.observe("f", 1, 1, 99))
	assert.Nil(t, r.observe("f", 50, 50, 99))
	assert.Equal(t, []int64{52, 53, 54}, r.observe("f", 51, 51, 99))
}

func TestReadAhead_DisabledAndForget(t *testing.T) {
	off := newReadAhead(0)
	off.observe("f", 0, 0, 9)
	assert.Nil(t, off.observe("f", 1, 1, 9))

	r := newReadAhead(1)
	r.observe("f", 0, 0, 9)
	r.forget("f")
	assert.Nil(t, r.observe("f", 1, 1, 9))
}
