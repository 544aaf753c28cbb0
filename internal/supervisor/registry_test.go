package supervisor

import "testing"

func TestRegistryPutGetRemove(t *testing.T) {
	r := newRegistry()
	e := &procEntry{id: "p1", serverID: "lobby"}

	if !r.put(e) {
		t.Fatal("put on open registry failed")
	}
	if got := r.get("p1"); got != e {
		t.Fatalf("get returned %v", got)
	}
	if r.len() != 1 {
		t.Fatalf("len = %d, want 1", r.len())
	}

	r.remove("p1")
	if r.get("p1") != nil {
		t.Fatal("entry survived remove")
	}
	// Removing an absent entry is a no-op.
	r.remove("p1")
}

func TestRegistryCloseSnapshotsAndRejectsPut(t *testing.T) {
	r := newRegistry()
	a := &procEntry{id: "a"}
	b := &procEntry{id: "b"}
	r.put(a)
	r.put(b)

	snap := r.close()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}

	if r.put(&procEntry{id: "late"}) {
		t.Fatal("put succeeded after close")
	}
	if r.get("late") != nil {
		t.Fatal("late entry visible after rejected put")
	}
}
