package syncx

import (
	"errors"
	"sync"
	"testing"
)

func TestView(t *testing.T) {
	g := NewGuard(map[string]int{"en": 1, "fr": 2})
	if n := View(g, func(m map[string]int) int { return len(m) }); n != 2 {
		t.Errorf("View() = %d, want 2", n)
	}
}

func TestUpdateError(t *testing.T) {
	g := NewGuard(10)
	errRejected := errors.New("rejected")

	err := g.Update(func(v *int) error {
		if *v%2 == 0 {
			return errRejected
		}
		*v++
		return nil
	})
	if !errors.Is(err, errRejected) {
		t.Fatalf("Update() = %v, want %v", err, errRejected)
	}
	if got := View(g, func(v int) int { return v }); got != 10 {
		t.Errorf("value after rejected update = %d, want 10", got)
	}
}

func TestUpdateConcurrent(t *testing.T) {
	g := NewGuard(0)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Update(func(v *int) error { *v++; return nil })
			_ = View(g, func(v int) int { return v })
		}()
	}
	wg.Wait()

	if got := View(g, func(v int) int { return v }); got != 50 {
		t.Errorf("value = %d, want 50", got)
	}
}
