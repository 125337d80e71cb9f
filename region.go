// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"sync"

	"code.hybscloud.com/atomix"
)

// Region is a reference-counted backing array for one coalescing buffer
// fill cycle. A region is shared between the send buffer and any in-flight
// transport send that still references it; the last Release returns it to
// its cache for reuse.
type Region[T any] struct {
	data  []T
	refs  atomix.Uint32
	cache *RegionCache[T]
}

// Data returns the backing slice. Valid while the caller holds a reference.
func (r *Region[T]) Data() []T { return r.data }

// Retain adds a reference.
func (r *Region[T]) Retain() { r.refs.Add(1) }

// Release drops a reference; the last one recycles the region.
func (r *Region[T]) Release() {
	if r.refs.Add(^uint32(0)) != 0 {
		return
	}
	if r.cache != nil {
		r.cache.pool.Put(r)
	}
}

// RegionCache hands out fixed-capacity regions and recycles released
// ones. Allocate and Release are safe from any thread; the cache is the
// backing store for region reuse across buffer fill cycles.
type RegionCache[T any] struct {
	capacity int
	pool     sync.Pool
}

// NewRegionCache returns a cache of regions holding capacity elements.
func NewRegionCache[T any](capacity int) *RegionCache[T] {
	if capacity < 1 {
		panic("amp: region capacity must be at least 1")
	}
	c := &RegionCache[T]{capacity: capacity}
	c.pool.New = func() any {
		return &Region[T]{data: make([]T, capacity), cache: c}
	}
	return c
}

// Allocate returns a region with one reference held by the caller.
func (c *RegionCache[T]) Allocate() *Region[T] {
	r := c.pool.Get().(*Region[T])
	r.refs.Store(1)
	return r
}

// Capacity returns the element capacity of regions from this cache.
func (c *RegionCache[T]) Capacity() int { return c.capacity }
