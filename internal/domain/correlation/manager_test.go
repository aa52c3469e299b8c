package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

func TestManager_RegisterResolve(t *testing.T) {
	t.Parallel()

	m := NewManager()
	id := mcp.NewIntID(1)

	ch, err := m.Register(id, "roots/list")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if m.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", m.Pending())
	}

	want := &mcp.Response{ID: id, Result: []byte(`{"roots":[]}`)}
	if err := m.Resolve(want); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	got, err := Await(context.Background(), ch)
	if err != nil {
		t.Fatalf("Await() error: %v", err)
	}
	if got != want {
		t.Errorf("Await() = %p, want %p", got, want)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending() after resolve = %d, want 0", m.Pending())
	}
}

func TestManager_DuplicateRegister(t *testing.T) {
	t.Parallel()

	m := NewManager()
	id := mcp.NewStringID("a")

	if _, err := m.Register(id, "x"); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}
	if _, err := m.Register(id, "x"); !errors.Is(err, ErrAlreadyPending) {
		t.Errorf("second Register() error = %v, want ErrAlreadyPending", err)
	}
}

func TestManager_ResolveUnknownIDIsDropped(t *testing.T) {
	t.Parallel()

	m := NewManager()
	err := m.Resolve(&mcp.Response{ID: mcp.NewIntID(99)})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("Resolve() error = %v, want ErrNotPending", err)
	}
}

// String and integer ids must never collide in the pending table, even
// when they render the same digits.
func TestManager_StringAndIntIDsAreDistinct(t *testing.T) {
	t.Parallel()

	m := NewManager()
	intID := mcp.NewIntID(7)
	strID := mcp.NewStringID("7")

	chInt, err := m.Register(intID, "a")
	if err != nil {
		t.Fatalf("Register(int) error: %v", err)
	}
	if _, err := m.Register(strID, "b"); err != nil {
		t.Fatalf("Register(string) error: %v", err)
	}

	if err := m.Resolve(&mcp.Response{ID: intID, Result: []byte(`1`)}); err != nil {
		t.Fatalf("Resolve(int) error: %v", err)
	}
	got, err := Await(context.Background(), chInt)
	if err != nil {
		t.Fatalf("Await(int) error: %v", err)
	}
	if string(got.Result) != "1" {
		t.Errorf("int waiter got %s", got.Result)
	}
	if m.Pending() != 1 {
		t.Errorf("Pending() = %d, want the string id still outstanding", m.Pending())
	}
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()

	m := NewManager()
	id := mcp.NewIntID(3)
	ch, _ := m.Register(id, "x")

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if _, err := Await(context.Background(), ch); !errors.Is(err, ErrDrained) {
		t.Errorf("Await() after cancel error = %v, want ErrDrained", err)
	}
	if err := m.Cancel(id); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Cancel() error = %v, want ErrNotPending", err)
	}
}

func TestManager_DrainUnblocksAllWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager()
	const waiters = 8

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		ch, err := m.Register(mcp.NewIntID(int64(i)), "x")
		if err != nil {
			t.Fatalf("Register(%d) error: %v", i, err)
		}
		wg.Add(1)
		go func(ch <-chan *mcp.Response) {
			defer wg.Done()
			if _, err := Await(context.Background(), ch); !errors.Is(err, ErrDrained) {
				t.Errorf("Await() error = %v, want ErrDrained", err)
			}
		}(ch)
	}

	m.Drain()
	wg.Wait()

	if _, err := m.Register(mcp.NewIntID(100), "x"); !errors.Is(err, ErrDrained) {
		t.Errorf("Register() after drain error = %v, want ErrDrained", err)
	}
}

// Concurrent resolves for the same id: exactly one wins, the rest report
// ErrNotPending, and the waiter sees exactly one response.
func TestManager_ConcurrentResolveFirstWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager()
	id := mcp.NewIntID(1)
	ch, _ := m.Register(id, "x")

	const racers = 8
	var wg sync.WaitGroup
	resolved := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved <- m.Resolve(&mcp.Response{ID: id, Result: []byte(`1`)})
		}()
	}
	wg.Wait()
	close(resolved)

	wins := 0
	for err := range resolved {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrNotPending) {
			t.Errorf("Resolve() error = %v, want nil or ErrNotPending", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winning resolves = %d, want exactly 1", wins)
	}

	if _, err := Await(context.Background(), ch); err != nil {
		t.Errorf("Await() error: %v", err)
	}
}

func TestAwait_ContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager()
	ch, _ := m.Register(mcp.NewIntID(1), "x")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := Await(ctx, ch); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await() error = %v, want DeadlineExceeded", err)
	}
	m.Drain()
}

func TestHub_PerSessionIDSpaces(t *testing.T) {
	t.Parallel()

	h := NewHub()
	id := mcp.NewIntID(1)

	chA, err := h.Session("sess-a").Register(id, "roots/list")
	if err != nil {
		t.Fatalf("Register(sess-a) error: %v", err)
	}
	// The same id registered by a different session must not collide.
	if _, err := h.Session("sess-b").Register(id, "roots/list"); err != nil {
		t.Fatalf("Register(sess-b) error: %v", err)
	}
	if h.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", h.Pending())
	}

	if err := h.Resolve("sess-a", &mcp.Response{ID: id, Result: []byte(`{}`)}); err != nil {
		t.Fatalf("Resolve(sess-a) error: %v", err)
	}
	if _, err := Await(context.Background(), chA); err != nil {
		t.Fatalf("Await(sess-a) error: %v", err)
	}
	if h.Pending() != 1 {
		t.Errorf("Pending() = %d, want sess-b still outstanding", h.Pending())
	}
}

func TestHub_ResolveUnknownSession(t *testing.T) {
	t.Parallel()

	h := NewHub()
	err := h.Resolve("ghost", &mcp.Response{ID: mcp.NewIntID(1)})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("Resolve() error = %v, want ErrNotPending", err)
	}
}

func TestHub_DropDrainsSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub()
	ch, _ := h.Session("sess-a").Register(mcp.NewIntID(1), "x")

	h.Drop("sess-a")

	if _, err := Await(context.Background(), ch); !errors.Is(err, ErrDrained) {
		t.Errorf("Await() after Drop error = %v, want ErrDrained", err)
	}
	if h.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", h.Pending())
	}
	// Dropping an unknown session is a no-op.
	h.Drop("ghost")
}
