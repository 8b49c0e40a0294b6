package lidmap

import (
	"fmt"
	"testing"
)

func TestLearnAndResolve(t *testing.T) {
	m := New(10)
	m.Learn("238479283749", "4915551234567")

	digits, ok := m.Resolve("238479283749")
	if !ok {
		t.Fatal("expected mapping to resolve")
	}
	if digits != "4915551234567" {
		t.Fatalf("resolved %q, want 4915551234567", digits)
	}

	if _, ok := m.Resolve("unknown"); ok {
		t.Fatal("unknown LID must not resolve")
	}
}

func TestLearnUpdatesExisting(t *testing.T) {
	m := New(10)
	m.Learn("lid-1", "111")
	m.Learn("lid-1", "222")

	digits, _ := m.Resolve("lid-1")
	if digits != "222" {
		t.Fatalf("resolved %q, want updated 222", digits)
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	m := New(3)
	for i := 0; i < 3; i++ {
		m.Learn(fmt.Sprintf("lid-%d", i), fmt.Sprintf("%d", i))
	}
	// Refresh lid-0 so lid-1 is the eviction candidate.
	m.Resolve("lid-0")

	m.Learn("lid-3", "3")

	if _, ok := m.Resolve("lid-1"); ok {
		t.Fatal("oldest entry must be evicted past capacity")
	}
	for _, lid := range []string{"lid-0", "lid-2", "lid-3"} {
		if _, ok := m.Resolve(lid); !ok {
			t.Fatalf("%s should have survived eviction", lid)
		}
	}
	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}
}

func TestIgnoresEmptyInputs(t *testing.T) {
	m := New(10)
	m.Learn("", "123")
	m.Learn("lid", "")
	if m.Len() != 0 {
		t.Fatalf("empty inputs must not be stored, len = %d", m.Len())
	}
}
