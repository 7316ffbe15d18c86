package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resettableBuf struct {
	data  []byte
	reset bool
}

func (r *resettableBuf) Reset() {
	r.reset = true
	r.data = r.data[:0]
}

func TestNewLitePoolRejectsNilConstructor(t *testing.T) {
	_, err := NewLitePool[*resettableBuf](nil)
	assert.Error(t, err)
}

func TestPoolGetReturnsConstructedValue(t *testing.T) {
	p, err := NewLitePool(func() *resettableBuf {
		return &resettableBuf{data: make([]byte, 0, 16)}
	})
	require.NoError(t, err)

	buf := p.Get()
	require.NotNil(t, buf)
	assert.Equal(t, 16, cap(buf.data))
}

func TestPoolPutResets(t *testing.T) {
	p, err := NewLitePool(func() *resettableBuf {
		return &resettableBuf{}
	})
	require.NoError(t, err)

	buf := p.Get()
	buf.data = append(buf.data, 1, 2, 3)
	p.Put(buf)

	assert.True(t, buf.reset)
	assert.Empty(t, buf.data)
}
