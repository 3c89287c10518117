package session

import (
	"testing"

	"github.com/rs/xid"
)

func TestDuplicateAuthenticationKeepsOriginalBinding(t *testing.T) {
	r := NewRegistry()
	first, second := xid.New(), xid.New()
	if !r.Authenticate("alice", first) {
		t.Fatalf("first authentication must succeed")
	}
	if r.Authenticate("alice", second) {
		t.Fatalf("duplicate authentication must be ignored")
	}
	conn, ok := r.Lookup("alice")
	if !ok || conn != first {
		t.Fatalf("expected original binding %v, got %v (ok=%v)", first, conn, ok)
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	conn := xid.New()
	r.Authenticate("bob", conn)
	if bound, ok := r.Lookup("bob"); !ok || bound != conn {
		t.Fatalf("expected bob bound to %v, got %v (ok=%v)", conn, bound, ok)
	}
	if !r.Remove("bob") {
		t.Fatalf("remove of bound identity must report true")
	}
	if r.Remove("bob") {
		t.Fatalf("second remove must be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	conn := xid.New()
	r.Authenticate("carol", conn)
	snap := r.Snapshot()
	if snap["carol"] != conn.String() {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	delete(snap, "carol")
	if _, ok := r.Lookup("carol"); !ok {
		t.Fatalf("mutating snapshots must not affect the registry")
	}
}
