// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import "reflect"

// TypeKey is the runtime type identity used to key message registrations.
// [reflect.Type] is comparable and unique per type, which is exactly the
// contract a registry key needs.
type TypeKey = reflect.Type

// KeyOf returns the type key for T.
func KeyOf[T any]() TypeKey {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// TypeMap maps runtime type identity to values. Not safe for concurrent
// mutation; the runtime mutates its registry only between epochs.
type TypeMap struct {
	m map[TypeKey]any
}

// Insert stores v under key, replacing any previous value.
func (t *TypeMap) Insert(key TypeKey, v any) {
	if t.m == nil {
		t.m = make(map[TypeKey]any)
	}
	t.m[key] = v
}

// Lookup returns the value stored under key, if any.
func (t *TypeMap) Lookup(key TypeKey) (any, bool) {
	v, ok := t.m[key]
	return v, ok
}

// Clear removes all entries.
func (t *TypeMap) Clear() {
	t.m = nil
}

// Len returns the number of entries.
func (t *TypeMap) Len() int { return len(t.m) }
