package registry

import (
	"fmt"
	"slices"
	"sync"
	"testing"
)

func TestInit_ReturnsSnapshotBeforeInsert(t *testing.T) {
	r := New[string]()

	if got := r.Init("app", "alice", "id1", "h1"); len(got) != 0 {
		t.Fatalf("first init peers=%v, want empty", got)
	}
	got := r.Init("app", "alice", "id2", "h2")
	if !slices.Equal(got, []string{"id1"}) {
		t.Fatalf("second init peers=%v, want [id1]", got)
	}

	got = r.Init("app", "alice", "id0", "h0")
	if !slices.Equal(got, []string{"id1", "id2"}) {
		t.Fatalf("third init peers=%v, want sorted [id1 id2]", got)
	}
}

func TestInit_NeverReturnsNil(t *testing.T) {
	r := New[int]()
	if got := r.Init("app", "bob", "id1", 1); got == nil {
		t.Fatalf("expected empty non-nil slice")
	}
}

func TestLookup_IsolatedByApp(t *testing.T) {
	r := New[string]()
	r.Init("appA", "alice", "id1", "h1")
	r.Init("appB", "alice", "id2", "h2")

	if _, ok := r.Lookup("appA", "alice", "id2"); ok {
		t.Fatalf("lookup leaked across namespaces")
	}
	h, ok := r.Lookup("appB", "alice", "id2")
	if !ok || h != "h2" {
		t.Fatalf("lookup=(%q,%v), want (h2,true)", h, ok)
	}
}

func TestLookup_MissingKeysDoNotCreateState(t *testing.T) {
	r := New[string]()

	if _, ok := r.Lookup("nope", "nobody", "id"); ok {
		t.Fatalf("unexpected hit")
	}
	r.Init("app", "alice", "id1", "h1")
	if _, ok := r.Lookup("app", "bob", "id1"); ok {
		t.Fatalf("unexpected hit for wrong display name")
	}

	want := Stats{Apps: 1, Groups: 1, Connections: 1}
	if got := r.Stats(); got != want {
		t.Fatalf("stats=%+v, want %+v", got, want)
	}
	if r.hasGroup("app", "bob") {
		t.Fatalf("lookup created a group")
	}
}

func TestRemove_CleansUpGroup(t *testing.T) {
	r := New[string]()
	r.Init("app", "alice", "id1", "h1")

	entry, ok := r.Remove("id1")
	if !ok {
		t.Fatalf("expected remove to find id1")
	}
	if entry != (Entry{App: "app", DisplayName: "alice"}) {
		t.Fatalf("entry=%+v", entry)
	}
	if _, ok := r.Lookup("app", "alice", "id1"); ok {
		t.Fatalf("lookup after remove should miss")
	}
	if r.hasGroup("app", "alice") {
		t.Fatalf("empty group should be deleted")
	}
	if _, ok := r.registered("id1"); ok {
		t.Fatalf("reverse entry should be gone")
	}

	want := Stats{Apps: 1, Groups: 0, Connections: 0}
	if got := r.Stats(); got != want {
		t.Fatalf("stats=%+v, want %+v", got, want)
	}
}

func TestRemove_KeepsNonEmptyGroup(t *testing.T) {
	r := New[string]()
	r.Init("app", "alice", "id1", "h1")
	r.Init("app", "alice", "id2", "h2")

	r.Remove("id1")

	if !r.hasGroup("app", "alice") {
		t.Fatalf("group with remaining member was deleted")
	}
	if got := r.Peers("app", "alice"); !slices.Equal(got, []string{"id2"}) {
		t.Fatalf("peers=%v, want [id2]", got)
	}
}

func TestRemove_UnknownIsNoop(t *testing.T) {
	r := New[string]()
	r.Init("app", "alice", "id1", "h1")

	if _, ok := r.Remove("missing"); ok {
		t.Fatalf("remove of unknown id reported success")
	}
	if _, ok := r.Remove("id1"); !ok {
		t.Fatalf("first remove should succeed")
	}
	if _, ok := r.Remove("id1"); ok {
		t.Fatalf("second remove should be a no-op")
	}
}

func TestInit_ReinitMovesConnection(t *testing.T) {
	r := New[string]()
	r.Init("app", "alice", "id1", "h1")
	r.Init("app", "alice", "id2", "h2")

	peers := r.Init("app", "bob", "id1", "h1")
	if len(peers) != 0 {
		t.Fatalf("peers=%v, want empty", peers)
	}
	if _, ok := r.Lookup("app", "alice", "id1"); ok {
		t.Fatalf("id1 still in old group")
	}
	entry, ok := r.registered("id1")
	if !ok || entry.DisplayName != "bob" {
		t.Fatalf("registered=(%+v,%v), want bob", entry, ok)
	}

	// Re-init into the same group must not list itself.
	peers = r.Init("app", "alice", "id2", "h2")
	if len(peers) != 0 {
		t.Fatalf("re-init into same group peers=%v, want empty", peers)
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("id%d", i)
			name := fmt.Sprintf("user%d", i%4)
			r.Init("app", name, id, i)
			r.Lookup("app", name, id)
			r.Peers("app", name)
			r.Remove(id)
		}(i)
	}
	wg.Wait()

	if got := r.Stats(); got.Connections != 0 || got.Groups != 0 {
		t.Fatalf("stats=%+v, want empty", got)
	}
}
