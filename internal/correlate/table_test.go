package correlate

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestResolveWakesAwait(t *testing.T) {
	tbl := NewTable()
	p := tbl.Register("req:1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		tbl.Resolve("req:1", "hello")
	}()

	v, err := p.Await(2 * time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if v.(string) != "hello" {
		t.Fatalf("unexpected value: %v", v)
	}
	if tbl.Len() != 0 {
		t.Fatalf("entry not removed after resolve, len=%d", tbl.Len())
	}
}

func TestAwaitTimeoutDiscardsLateReply(t *testing.T) {
	tbl := NewTable()
	p := tbl.Register("req:2")

	_, err := p.Await(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("timed out entry still registered, len=%d", tbl.Len())
	}

	// The reply arriving after the timeout finds nothing to resolve.
	if tbl.Resolve("req:2", "late") {
		t.Fatal("late reply should not match anything")
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	tbl := NewTable()
	p := tbl.Register("req:3")

	first := tbl.Resolve("req:3", 1)
	second := tbl.Resolve("req:3", 2)

	if !first || second {
		t.Fatalf("resolution counts wrong: first=%v second=%v", first, second)
	}

	v, err := p.Await(time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if v.(int) != 1 {
		t.Fatalf("second resolution overwrote the first: %v", v)
	}
}

func TestFailDeliversError(t *testing.T) {
	tbl := NewTable()
	p := tbl.Register("order:9")

	boom := errors.New("rejected")
	tbl.Fail("order:9", boom)

	_, err := p.Await(time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestFailAll(t *testing.T) {
	tbl := NewTable()
	var ps []*Pending
	for i := 0; i < 5; i++ {
		ps = append(ps, tbl.Register(fmt.Sprintf("req:%d", tbl.NextID())))
	}

	down := errors.New("loop terminated")
	tbl.FailAll(down)

	for i, p := range ps {
		if _, err := p.Await(time.Second); !errors.Is(err, down) {
			t.Fatalf("pending %d not failed: %v", i, err)
		}
	}
	if tbl.Len() != 0 {
		t.Fatalf("table not emptied, len=%d", tbl.Len())
	}
}

func TestSharedPendingWakesAllWaiters(t *testing.T) {
	tbl := NewTable()
	p := tbl.Register("position:rb2510")

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Await(2 * time.Second)
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	tbl.Resolve("position:rb2510", nil)

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("shared waiter failed: %v", err)
		}
	}
}

func TestNextIDUnique(t *testing.T) {
	tbl := NewTable()
	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := tbl.NextID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
