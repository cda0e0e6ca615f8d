package observation

import (
	"errors"
	"testing"

	"github.com/SimplyPrint/nfc-agent/internal/core"
)

// fakeHandler records every error routed to it, optionally panicking instead
// to exercise the manager's panic-recovery path.
type fakeHandler struct {
	calls []string
	panic bool
}

func (h *fakeHandler) OnObservationError(contextName string, observer string, err error) {
	if h.panic {
		panic("handler blew up")
	}
	h.calls = append(h.calls, observer+": "+err.Error())
}

// inlineExecutor runs jobs synchronously but records that it was used,
// distinguishing executor-based dispatch from the manager's own fallback.
type inlineExecutor struct {
	runCount int
}

func (e *inlineExecutor) Execute(job func()) {
	e.runCount++
	job()
}

func TestAddObserverFailsWithoutExceptionHandler(t *testing.T) {
	m := New[string]("reader-1")
	err := m.AddObserver("o1")
	if !core.IsKind(err, core.KindIllegalState) {
		t.Fatalf("expected illegal-state, got %v", err)
	}
	if m.CountObservers() != 0 {
		t.Fatalf("expected no observers added, got %d", m.CountObservers())
	}
}

func TestAddObserverIsIdempotent(t *testing.T) {
	m := New[string]("reader-1")
	m.SetExceptionHandler(&fakeHandler{})

	if err := m.AddObserver("o1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AddObserver("o1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.CountObservers() != 1 {
		t.Fatalf("expected duplicate add to be a no-op, got %d observers", m.CountObservers())
	}
}

func TestRemoveAndClearObservers(t *testing.T) {
	m := New[string]("reader-1")
	m.SetExceptionHandler(&fakeHandler{})
	_ = m.AddObserver("o1")
	_ = m.AddObserver("o2")

	m.RemoveObserver("o1")
	if m.CountObservers() != 1 {
		t.Fatalf("expected one observer left after remove, got %d", m.CountObservers())
	}

	m.RemoveObserver("does-not-exist") // must not panic or change count
	if m.CountObservers() != 1 {
		t.Fatalf("expected removing a missing observer to be a no-op")
	}

	m.ClearObservers()
	if m.CountObservers() != 0 {
		t.Fatalf("expected zero observers after clear, got %d", m.CountObservers())
	}
}

func TestNotifySynchronousDeliversToEveryObserver(t *testing.T) {
	m := New[string]("reader-1")
	m.SetExceptionHandler(&fakeHandler{})
	_ = m.AddObserver("o1")
	_ = m.AddObserver("o2")

	var delivered []string
	m.Notify("event", func(observer string, event any) error {
		delivered = append(delivered, observer+"="+event.(string))
		return nil
	})

	if len(delivered) != 2 {
		t.Fatalf("expected both observers to be notified, got %v", delivered)
	}
}

func TestNotifyRoutesDeliveryErrorToExceptionHandler(t *testing.T) {
	m := New[string]("reader-1")
	h := &fakeHandler{}
	m.SetExceptionHandler(h)
	_ = m.AddObserver("o1")

	m.Notify("event", func(observer string, event any) error {
		return errors.New("boom")
	})

	if len(h.calls) != 1 || h.calls[0] != "o1: boom" {
		t.Fatalf("expected the handler to record the delivery error, got %v", h.calls)
	}
}

func TestNotifySwallowsExceptionHandlerPanic(t *testing.T) {
	m := New[string]("reader-1")
	m.SetExceptionHandler(&fakeHandler{panic: true})
	var logged []string
	m.SetLogger(func(format string, args ...any) { logged = append(logged, format) })
	_ = m.AddObserver("o1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Notify("event", func(observer string, event any) error {
			return errors.New("boom")
		})
	}()
	<-done // Notify must return normally even though the handler panicked.

	if len(logged) != 1 {
		t.Fatalf("expected the panic to be logged once, got %d entries", len(logged))
	}
}

func TestNotifyWithNoHandlerLogsAndDoesNotPanic(t *testing.T) {
	m := New[string]("reader-1")
	var logged []string
	m.SetLogger(func(format string, args ...any) { logged = append(logged, format) })

	// AddObserver requires a handler, so reach into Notify directly with an
	// empty observer set plus a manually appended one via SetExceptionHandler
	// removed afterwards to simulate a handler that later disappears.
	m.SetExceptionHandler(&fakeHandler{})
	_ = m.AddObserver("o1")
	m.SetExceptionHandler(nil)

	m.Notify("event", func(observer string, event any) error {
		return errors.New("boom")
	})

	if len(logged) != 1 {
		t.Fatalf("expected one log line for the unhandled observer error, got %d", len(logged))
	}
}

func TestNotifyUsesConfiguredExecutor(t *testing.T) {
	m := New[string]("reader-1")
	m.SetExceptionHandler(&fakeHandler{})
	_ = m.AddObserver("o1")
	_ = m.AddObserver("o2")

	exec := &inlineExecutor{}
	m.SetExecutor(exec)

	var delivered int
	m.Notify("event", func(observer string, event any) error {
		delivered++
		return nil
	})

	if exec.runCount != 2 {
		t.Fatalf("expected the executor to run once per observer, got %d", exec.runCount)
	}
	if delivered != 2 {
		t.Fatalf("expected both observers delivered through the executor, got %d", delivered)
	}
}

func TestNotifyIsCopyOnWriteSafeDuringDispatch(t *testing.T) {
	m := New[string]("reader-1")
	m.SetExceptionHandler(&fakeHandler{})
	_ = m.AddObserver("o1")

	var delivered []string
	m.Notify("event", func(observer string, event any) error {
		delivered = append(delivered, observer)
		// Mutate the observer set mid-dispatch; Notify already took its
		// snapshot so this must not affect the in-flight delivery loop.
		_ = m.AddObserver("o2")
		m.RemoveObserver("o1")
		return nil
	})

	if len(delivered) != 1 || delivered[0] != "o1" {
		t.Fatalf("expected only the pre-snapshot observer delivered in this round, got %v", delivered)
	}
	if m.CountObservers() != 1 {
		t.Fatalf("expected the mutation made during dispatch to be reflected afterwards, got %d", m.CountObservers())
	}
}

func TestHasExecutorReflectsConfiguration(t *testing.T) {
	m := New[string]("reader-1")
	if m.HasExecutor() {
		t.Fatal("expected no executor by default")
	}
	m.SetExecutor(&inlineExecutor{})
	if !m.HasExecutor() {
		t.Fatal("expected HasExecutor to report true once configured")
	}
	m.SetExecutor(nil)
	if m.HasExecutor() {
		t.Fatal("expected HasExecutor to report false after clearing")
	}
}
