package plugin

import (
	"sync"
	"testing"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

type fakePluginObserver struct {
	mu     sync.Mutex
	events []*core.PluginEvent
}

func (o *fakePluginObserver) OnPluginEvent(event *core.PluginEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *fakePluginObserver) all() []*core.PluginEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*core.PluginEvent(nil), o.events...)
}

type fakePluginExceptionHandler struct {
	mu    sync.Mutex
	calls []error
}

func (h *fakePluginExceptionHandler) OnPluginObservationError(pluginName string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, err)
}

func (h *fakePluginExceptionHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// fakeObservablePluginDriver is a spi.ObservablePluginSpi double whose
// reader-name set the test mutates between scanOnce calls, in place of
// waiting on the real watcher's ticker.
type fakeObservablePluginDriver struct {
	mu      sync.Mutex
	name    string
	names   []string
	readers map[string]spi.ReaderSpi
	scanErr error
}

func newFakeObservablePluginDriver(name string) *fakeObservablePluginDriver {
	return &fakeObservablePluginDriver{name: name, readers: make(map[string]spi.ReaderSpi)}
}

func (d *fakeObservablePluginDriver) GetName() string { return d.name }
func (d *fakeObservablePluginDriver) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]spi.ReaderSpi, 0, len(d.readers))
	for _, r := range d.readers {
		out = append(out, r)
	}
	return out, nil
}
func (d *fakeObservablePluginDriver) OnUnregister() {}
func (d *fakeObservablePluginDriver) SearchAvailableReaderNames() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanErr != nil {
		return nil, d.scanErr
	}
	return append([]string(nil), d.names...), nil
}
func (d *fakeObservablePluginDriver) SearchReader(name string) (spi.ReaderSpi, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readers[name], nil
}
func (d *fakeObservablePluginDriver) GetMonitoringCycleDuration() int { return 50 }

func (d *fakeObservablePluginDriver) addReader(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = append(d.names, name)
	d.readers[name] = &fakePluginReaderDriver{name: name}
}

func (d *fakeObservablePluginDriver) removeReader(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range d.names {
		if n == name {
			d.names = append(d.names[:i], d.names[i+1:]...)
			break
		}
	}
	delete(d.readers, name)
}

func TestObservableLocalPluginScanDetectsConnectedReader(t *testing.T) {
	driver := newFakeObservablePluginDriver("p1")
	p := NewObservableLocalPlugin(driver)
	if err := p.Register(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.SetExceptionHandler(&fakePluginExceptionHandler{})
	obs := &fakePluginObserver{}
	// Register the observer directly on the manager rather than through
	// AddObserver, so the real ticking watcher never starts and scanOnce
	// stays fully deterministic here.
	if err := p.observers.AddObserver(obs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	driver.addReader("r1")
	p.scanOnce()

	events := obs.all()
	if len(events) != 1 || events[0].Type != core.PluginEventReaderConnected {
		t.Fatalf("expected one READER_CONNECTED event, got %v", events)
	}
	if events[0].ReaderNames[0] != "r1" {
		t.Fatalf("expected the event to name r1, got %v", events[0].ReaderNames)
	}
	names, _ := p.GetReaderNames()
	if len(names) != 1 {
		t.Fatalf("expected the scan to register the new reader, got %d", len(names))
	}
}

func TestObservableLocalPluginScanDetectsDisconnectedReader(t *testing.T) {
	driver := newFakeObservablePluginDriver("p1")
	driver.addReader("r1")
	p := NewObservableLocalPlugin(driver)
	_ = p.Register()
	p.SetExceptionHandler(&fakePluginExceptionHandler{})
	obs := &fakePluginObserver{}
	_ = p.observers.AddObserver(obs)

	driver.removeReader("r1")
	p.scanOnce()

	events := obs.all()
	if len(events) != 1 || events[0].Type != core.PluginEventReaderDisconnected {
		t.Fatalf("expected one READER_DISCONNECTED event, got %v", events)
	}
	names, _ := p.GetReaderNames()
	if len(names) != 0 {
		t.Fatalf("expected the scan to drop the reader, got %d left", len(names))
	}
}

func TestObservableLocalPluginScanErrorRoutesToExceptionHandler(t *testing.T) {
	driver := newFakeObservablePluginDriver("p1")
	driver.scanErr = errOops
	p := NewObservableLocalPlugin(driver)
	_ = p.Register()
	handler := &fakePluginExceptionHandler{}
	p.SetExceptionHandler(handler)
	_ = p.observers.AddObserver(&fakePluginObserver{})

	p.scanOnce()

	if handler.count() != 1 {
		t.Fatalf("expected the scan failure to be routed to the exception handler, got %d", handler.count())
	}
}

func TestObservableLocalPluginWatcherStartsAndStopsWithObservers(t *testing.T) {
	driver := newFakeObservablePluginDriver("p1")
	p := NewObservableLocalPlugin(driver)
	_ = p.Register()
	p.SetExceptionHandler(&fakePluginExceptionHandler{})

	obs := &fakePluginObserver{}
	_ = p.AddObserver(obs)
	if !p.watcherRunning {
		t.Fatal("expected the watcher to start on the first observer add")
	}

	p.RemoveObserver(obs)
	if p.watcherRunning {
		t.Fatal("expected the watcher to stop once the last observer is removed")
	}
}

func TestObservableLocalPluginUnregisterNotifiesUnavailable(t *testing.T) {
	driver := newFakeObservablePluginDriver("p1")
	driver.addReader("r1")
	p := NewObservableLocalPlugin(driver)
	_ = p.Register()
	p.SetExceptionHandler(&fakePluginExceptionHandler{})
	obs := &fakePluginObserver{}
	_ = p.AddObserver(obs)

	p.Unregister()

	events := obs.all()
	if len(events) != 1 || events[0].Type != core.PluginEventUnavailable {
		t.Fatalf("expected a single UNAVAILABLE event, got %v", events)
	}
	if p.IsRegistered() {
		t.Fatal("expected the plugin to be unregistered")
	}
}

var errOops = &core.Error{Kind: core.KindPluginIO, Message: "scan failed"}
