package source

import "sync"

// The slices' content is never cleaned up, because readers overwrite them
// fully before use.
type slicePool struct {
	pool sync.Pool
}

func (c *slicePool) get() []byte {
	return c.pool.Get().([]byte)
}

func (c *slicePool) put(b []byte) {
	c.pool.Put(b)
}

func newSlicePool(size int64) *slicePool {
	return &slicePool{
		pool: sync.Pool{
			New: func() any {
				return make([]byte, size)
			},
		},
	}
}
