package history

import (
	"fmt"
	"testing"
)

func openTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	s, err := Open(":memory:", retention)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t, 0)

	for i := 0; i < 3; i++ {
		if err := s.Append("room", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent("room", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	// Oldest first.
	for i, payload := range got {
		want := fmt.Sprintf(`{"n":%d}`, i)
		if string(payload) != want {
			t.Errorf("entry %d = %s, want %s", i, payload, want)
		}
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	s := openTestStore(t, 0)
	for i := 0; i < 5; i++ {
		s.Append("room", []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	got, err := s.Recent("room", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	// The two newest entries, still oldest first.
	if len(got) != 2 || string(got[0]) != `{"n":3}` || string(got[1]) != `{"n":4}` {
		t.Errorf("got %q", got)
	}
}

func TestRetentionPrunes(t *testing.T) {
	s := openTestStore(t, 3)

	for i := 0; i < 10; i++ {
		if err := s.Append("room", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.Count("room")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("retained %d entries, want 3", n)
	}

	got, err := s.Recent("room", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 || string(got[0]) != `{"n":7}` {
		t.Errorf("oldest retained = %s, want {\"n\":7}", got[0])
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	s := openTestStore(t, 0)
	s.Append("a", []byte(`{"topic":"a"}`))
	s.Append("b", []byte(`{"topic":"b"}`))

	got, err := s.Recent("a", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || string(got[0]) != `{"topic":"a"}` {
		t.Errorf("topic a history = %q", got)
	}

	empty, err := s.Recent("missing", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("missing topic returned %d entries", len(empty))
	}
}
