package relay

import "testing"

func TestHub_JoinLeaveCount(t *testing.T) {
	h := NewHub()
	alice := NewMember("alice", 4)
	bob := NewMember("bob", 4)

	if prev, n := h.Join("r1", alice); prev != "" || n != 1 {
		t.Errorf("Join(alice) = %q, %d, want \"\", 1", prev, n)
	}
	if _, n := h.Join("r1", bob); n != 2 {
		t.Errorf("Join(bob) count = %d, want 2", n)
	}
	if h.Count("r1") != 2 {
		t.Errorf("Count(r1) = %d, want 2", h.Count("r1"))
	}

	room, n := h.Leave(alice)
	if room != "r1" || n != 1 {
		t.Errorf("Leave(alice) = %q, %d, want r1, 1", room, n)
	}

	// Leaving twice is harmless
	if room, _ := h.Leave(alice); room != "" {
		t.Errorf("second Leave(alice) room = %q, want empty", room)
	}

	h.Leave(bob)
	if h.Rooms() != 0 {
		t.Errorf("Rooms() = %d, want 0 after everyone left", h.Rooms())
	}
}

func TestHub_JoinMovesMember(t *testing.T) {
	h := NewHub()
	m := NewMember("alice", 4)

	h.Join("r1", m)
	prev, n := h.Join("r2", m)

	if prev != "r1" || n != 1 {
		t.Errorf("Join(r2) = %q, %d, want r1, 1", prev, n)
	}
	if h.Count("r1") != 0 {
		t.Errorf("Count(r1) = %d, want 0", h.Count("r1"))
	}
	if h.RoomOf(m) != "r2" {
		t.Errorf("RoomOf() = %q, want r2", h.RoomOf(m))
	}
}

func TestHub_BroadcastExcept(t *testing.T) {
	h := NewHub()
	alice := NewMember("alice", 4)
	bob := NewMember("bob", 4)
	carol := NewMember("carol", 4)
	h.Join("r1", alice)
	h.Join("r1", bob)
	h.Join("r2", carol)

	h.Broadcast("r1", []byte("all"))
	h.BroadcastExcept("r1", alice, []byte("not alice"))

	if len(alice.send) != 1 {
		t.Errorf("alice queued %d frames, want 1", len(alice.send))
	}
	if len(bob.send) != 2 {
		t.Errorf("bob queued %d frames, want 2", len(bob.send))
	}
	if len(carol.send) != 0 {
		t.Errorf("carol queued %d frames, want 0", len(carol.send))
	}
}

func TestMember_SlowConsumerClosed(t *testing.T) {
	m := NewMember("slow", 1)

	if !m.Enqueue([]byte("1")) {
		t.Fatal("first Enqueue() should succeed")
	}
	if m.Enqueue([]byte("2")) {
		t.Error("Enqueue() on a full buffer should fail")
	}

	select {
	case <-m.Done():
	default:
		t.Error("slow member should be closed")
	}

	if m.Enqueue([]byte("3")) {
		t.Error("Enqueue() after close should fail")
	}
}
