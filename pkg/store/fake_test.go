package store

import (
	"context"
	"testing"
)

func TestFakePutGet(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	if _, found, _ := f.Get(ctx, "/config/nodes/sat1"); found {
		t.Fatal("Get on empty store should report not found")
	}

	if err := f.Put(ctx, "/config/nodes/sat1", `{"name":"sat1"}`); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	val, found, err := f.Get(ctx, "/config/nodes/sat1")
	if err != nil || !found || val != `{"name":"sat1"}` {
		t.Fatalf("Get() = (%q, %v, %v), want (%q, true, nil)", val, found, err, `{"name":"sat1"}`)
	}
}

func TestFakeDelete(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.Put(ctx, "/config/nodes/sat1", "x")

	if err := f.Delete(ctx, "/config/nodes/sat1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := f.Get(ctx, "/config/nodes/sat1"); found {
		t.Error("key should be gone after Delete")
	}

	// Deleting an already-absent key is not an error.
	if err := f.Delete(ctx, "/config/nodes/nonexistent"); err != nil {
		t.Errorf("Delete of missing key should not error, got %v", err)
	}
}

func TestFakeGetPrefix(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.Put(ctx, "/config/links/a_b_1_1", "1")
	f.Put(ctx, "/config/links/a_c_1_1", "2")
	f.Put(ctx, "/config/nodes/a", "3")

	got, err := f.GetPrefix(ctx, "/config/links/")
	if err != nil {
		t.Fatalf("GetPrefix failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetPrefix returned %d entries, want 2: %v", len(got), got)
	}
	if got["/config/links/a_b_1_1"] != "1" || got["/config/links/a_c_1_1"] != "2" {
		t.Errorf("GetPrefix returned unexpected values: %v", got)
	}
}

func TestFakeDeletePrefix(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.Put(ctx, "/config/links/a_b_1_1", "1")
	f.Put(ctx, "/config/links/a_c_1_1", "2")
	f.Put(ctx, "/config/nodes/a", "3")

	if err := f.DeletePrefix(ctx, "/config/links/"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	remaining := f.Keys()
	if len(remaining) != 1 || remaining[0] != "/config/nodes/a" {
		t.Errorf("Keys() after DeletePrefix = %v, want [/config/nodes/a]", remaining)
	}
}

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		EventPut:     "PUT",
		EventDelete:  "DELETE",
		EventResync:  "RESYNC",
		EventKind(9): "UNKNOWN",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(kind), got, want)
		}
	}
}
