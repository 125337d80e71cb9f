// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

// BufferSorter reorders a received bulk buffer in place before its
// elements are dispatched to the handler.
type BufferSorter[T any] interface {
	Sort(buf []T)
}

// NopSorter leaves the buffer in sender commit order.
type NopSorter[T any] struct{}

func (NopSorter[T]) Sort([]T) {}

// SortFunc adapts a function to the [BufferSorter] interface.
type SortFunc[T any] func(buf []T)

func (f SortFunc[T]) Sort(buf []T) { f(buf) }
