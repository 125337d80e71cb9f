// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp_test

import (
	"testing"

	"code.hybscloud.com/amp"
)

type keyA struct{ X int }
type keyB struct{ X int }

func TestTypeMapDistinctKeys(t *testing.T) {
	var m amp.TypeMap
	m.Insert(amp.KeyOf[keyA](), "a")
	m.Insert(amp.KeyOf[keyB](), "b")
	if v, ok := m.Lookup(amp.KeyOf[keyA]()); !ok || v != "a" {
		t.Fatalf("Lookup(keyA) = %v, %v", v, ok)
	}
	if v, ok := m.Lookup(amp.KeyOf[keyB]()); !ok || v != "b" {
		t.Fatalf("Lookup(keyB) = %v, %v", v, ok)
	}
	if _, ok := m.Lookup(amp.KeyOf[int]()); ok {
		t.Fatal("Lookup(int) found a value that was never inserted")
	}
}

func TestTypeMapReplaceAndClear(t *testing.T) {
	var m amp.TypeMap
	m.Insert(amp.KeyOf[int](), 1)
	m.Insert(amp.KeyOf[int](), 2)
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	if v, _ := m.Lookup(amp.KeyOf[int]()); v != 2 {
		t.Fatalf("Lookup(int) = %v, want 2", v)
	}
	m.Clear()
	if m.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", m.Len())
	}
}
