// Package observation implements the generic observer set shared by
// observable readers and observable plugins: add/remove/clear/count,
// a pluggable exception handler, and an optional dispatch executor.
package observation

import (
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
)

// Executor runs a notification job. The default (nil) dispatch is
// synchronous, same-goroutine; setting an Executor moves each observer
// invocation onto it.
type Executor interface {
	Execute(job func())
}

// ExceptionHandler is notified when an observer panics with an error during
// dispatch. An error raised by the handler itself is logged and swallowed —
// it must never propagate to the caller of Notify.
type ExceptionHandler[O any] interface {
	OnObservationError(contextName string, observer O, err error)
}

// onErrorLogger is satisfied by the logging package without importing it
// directly from this generic package, avoiding an import cycle risk and
// keeping this package usable in isolation.
type onErrorLogger func(format string, args ...any)

// Manager is a generic observer set over an observer type O, wired to an
// ExceptionHandler[O] (typically implemented by an adapter around O's
// owner). It is safe for concurrent use.
type Manager[O comparable] struct {
	mu              sync.RWMutex
	observers       []O
	exceptionHandler ExceptionHandler[O]
	executor        Executor
	contextName     string
	logf            onErrorLogger
}

// New returns a Manager with no observers, no executor (synchronous
// dispatch), and no exception handler. contextName identifies the owning
// reader/plugin in log messages and handler callbacks.
func New[O comparable](contextName string) *Manager[O] {
	return &Manager[O]{contextName: contextName, logf: func(string, ...any) {}}
}

// SetLogger installs a logging sink used only for the fallback case where
// the exception handler itself fails. Optional; defaults to a no-op.
func (m *Manager[O]) SetLogger(logf func(format string, args ...any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logf = logf
}

// SetExceptionHandler installs the handler observer errors are routed to.
func (m *Manager[O]) SetExceptionHandler(h ExceptionHandler[O]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceptionHandler = h
}

// SetExecutor installs the dispatch executor. Pass nil to return to
// synchronous, same-goroutine dispatch.
func (m *Manager[O]) SetExecutor(e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executor = e
}

// AddObserver appends observer to the set, unless it is already present
// (duplicate adds are idempotent). Fails with illegal-state if no exception
// handler is configured yet — observers must have somewhere to report
// their errors.
func (m *Manager[O]) AddObserver(observer O) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exceptionHandler == nil {
		return core.IllegalStatef("cannot add observer to %s: no exception handler configured", m.contextName)
	}

	for _, o := range m.observers {
		if o == observer {
			return nil
		}
	}
	m.observers = append(m.observers, observer)
	return nil
}

// RemoveObserver removes observer from the set, if present.
func (m *Manager[O]) RemoveObserver(observer O) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, o := range m.observers {
		if o == observer {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

// ClearObservers removes every observer.
func (m *Manager[O]) ClearObservers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = nil
}

// CountObservers returns the number of currently registered observers.
func (m *Manager[O]) CountObservers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// HasExecutor reports whether an executor is configured (used by callers
// deciding whether in-flight async work needs draining before unregister).
func (m *Manager[O]) HasExecutor() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executor != nil
}

// Notify dispatches event to a snapshot of the current observer set via
// deliver. Snapshotting under the lock, then releasing it before dispatch,
// gives copy-on-write semantics: add/remove during dispatch is safe and
// only affects subsequent Notify calls.
func (m *Manager[O]) Notify(event any, deliver func(observer O, event any) error) {
	m.mu.RLock()
	snapshot := make([]O, len(m.observers))
	copy(snapshot, m.observers)
	executor := m.executor
	handler := m.exceptionHandler
	logf := m.logf
	m.mu.RUnlock()

	for _, observer := range snapshot {
		o := observer
		job := func() {
			m.deliverOne(o, event, deliver, handler, logf)
		}
		if executor != nil {
			executor.Execute(job)
		} else {
			job()
		}
	}
}

func (m *Manager[O]) deliverOne(observer O, event any, deliver func(O, any) error, handler ExceptionHandler[O], logf onErrorLogger) {
	err := deliver(observer, event)
	if err == nil {
		return
	}
	if handler == nil {
		logf("observer error in %s with no exception handler configured: %v", m.contextName, err)
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logf("exception handler for %s panicked while handling observer error: %v (original cause: %v)", m.contextName, r, err)
			}
		}()
		handler.OnObservationError(m.contextName, observer, err)
	}()
}
