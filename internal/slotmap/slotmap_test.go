package slotmap

import "testing"

type payload struct{ Value int }

func TestReservePublishRelease(t *testing.T) {
	tbl := New[payload](4)

	slot, ok := tbl.Reserve()
	if !ok {
		t.Fatal("expected a free slot")
	}
	if tbl.State(slot) != Reserved {
		t.Fatalf("expected Reserved, got %v", tbl.State(slot))
	}

	// Not visible to Get until published.
	if _, ok := tbl.Get(slot); ok {
		t.Fatal("reserved slot should not be visible via Get")
	}

	tbl.At(slot).Value = 42
	tbl.Publish(slot)

	got, ok := tbl.Get(slot)
	if !ok || got.Value != 42 {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}

	tbl.Release(slot)
	if tbl.State(slot) != Free {
		t.Fatalf("expected Free after release, got %v", tbl.State(slot))
	}
	if _, ok := tbl.Get(slot); ok {
		t.Fatal("released slot should not be visible")
	}
}

func TestTableFullReturnsFalse(t *testing.T) {
	tbl := New[payload](2)
	if _, ok := tbl.Reserve(); !ok {
		t.Fatal("expected first reserve to succeed")
	}
	if _, ok := tbl.Reserve(); !ok {
		t.Fatal("expected second reserve to succeed")
	}
	if _, ok := tbl.Reserve(); ok {
		t.Fatal("expected table to report full")
	}
}

func TestEachVisitsOnlyUsed(t *testing.T) {
	tbl := New[payload](3)
	a, _ := tbl.Reserve()
	tbl.At(a).Value = 1
	tbl.Publish(a)
	_, _ = tbl.Reserve() // left RESERVED, should not show up in Each

	count := 0
	tbl.Each(func(slot int, v *payload) bool {
		count++
		return true
	})
	if count != 1 {
		t.Fatalf("expected 1 used slot visited, got %d", count)
	}
}
