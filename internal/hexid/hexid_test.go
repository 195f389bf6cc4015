package hexid

import (
	"errors"
	"testing"
)

func TestNewLength(t *testing.T) {
	for _, n := range []int{SessionBytes, RequestBytes, 1, 32} {
		id, err := New(n)
		if err != nil {
			t.Fatalf("New(%d) failed: %v", n, err)
		}
		if len(id) != 2*n {
			t.Fatalf("New(%d) = %q, want %d hex chars", n, id, 2*n)
		}
	}
}

func TestNewRejectsNonPositive(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := New(n); !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("New(%d): got %v, want ErrInvalidLength", n, err)
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := New(SessionBytes)
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}
