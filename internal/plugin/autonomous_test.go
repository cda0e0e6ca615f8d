package plugin

import (
	"testing"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// fakeAutonomousPluginDriver is a spi.AutonomousObservablePluginSpi double:
// it records the PluginEventsApi sink it's connected to so the test can
// push connect/disconnect callbacks the way a real autonomous driver would.
type fakeAutonomousPluginDriver struct {
	name string
	sink spi.PluginEventsApi
}

func (d *fakeAutonomousPluginDriver) GetName() string { return d.name }
func (d *fakeAutonomousPluginDriver) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	return nil, nil
}
func (d *fakeAutonomousPluginDriver) OnUnregister() {}
func (d *fakeAutonomousPluginDriver) ConnectPluginEventsApi(api spi.PluginEventsApi) { d.sink = api }

func TestAutonomousObservableLocalPluginConnectsItselfAsSink(t *testing.T) {
	driver := &fakeAutonomousPluginDriver{name: "p1"}
	p := NewAutonomousObservableLocalPlugin(driver)

	if driver.sink != p {
		t.Fatal("expected the driver to be connected to the plugin itself as its events sink")
	}
}

func TestAutonomousObservableLocalPluginOnReaderConnectedRegistersAndNotifies(t *testing.T) {
	driver := &fakeAutonomousPluginDriver{name: "p1"}
	p := NewAutonomousObservableLocalPlugin(driver)
	if err := p.Register(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.SetExceptionHandler(&fakePluginExceptionHandler{})
	obs := &fakePluginObserver{}
	if err := p.AddObserver(obs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	driver.sink.OnReaderConnected([]spi.ReaderSpi{&fakePluginReaderDriver{name: "r1"}})

	events := obs.all()
	if len(events) != 1 || events[0].Type != core.PluginEventReaderConnected {
		t.Fatalf("expected one READER_CONNECTED event, got %v", events)
	}
	names, err := p.GetReaderNames()
	if err != nil || len(names) != 1 {
		t.Fatalf("expected the reader to be registered, got %v err=%v", names, err)
	}
}

func TestAutonomousObservableLocalPluginOnReaderDisconnectedUnregistersAndNotifies(t *testing.T) {
	driver := &fakeAutonomousPluginDriver{name: "p1"}
	p := NewAutonomousObservableLocalPlugin(driver)
	_ = p.Register()
	p.SetExceptionHandler(&fakePluginExceptionHandler{})
	obs := &fakePluginObserver{}
	_ = p.AddObserver(obs)

	driver.sink.OnReaderConnected([]spi.ReaderSpi{&fakePluginReaderDriver{name: "r1"}})
	driver.sink.OnReaderDisconnected([]string{"r1"})

	events := obs.all()
	if len(events) != 2 || events[1].Type != core.PluginEventReaderDisconnected {
		t.Fatalf("expected a READER_DISCONNECTED event to follow, got %v", events)
	}
	names, _ := p.GetReaderNames()
	if len(names) != 0 {
		t.Fatalf("expected the reader to be removed, got %d left", len(names))
	}
}

func TestAutonomousObservableLocalPluginIgnoresEmptyCallbacks(t *testing.T) {
	driver := &fakeAutonomousPluginDriver{name: "p1"}
	p := NewAutonomousObservableLocalPlugin(driver)
	_ = p.Register()
	p.SetExceptionHandler(&fakePluginExceptionHandler{})
	obs := &fakePluginObserver{}
	_ = p.AddObserver(obs)

	driver.sink.OnReaderConnected(nil)
	driver.sink.OnReaderDisconnected(nil)

	if len(obs.all()) != 0 {
		t.Fatalf("expected no events from empty callbacks, got %v", obs.all())
	}
}

func TestAutonomousObservableLocalPluginUnregisterNotifiesUnavailable(t *testing.T) {
	driver := &fakeAutonomousPluginDriver{name: "p1"}
	p := NewAutonomousObservableLocalPlugin(driver)
	_ = p.Register()
	p.SetExceptionHandler(&fakePluginExceptionHandler{})
	obs := &fakePluginObserver{}
	_ = p.AddObserver(obs)

	p.Unregister()

	events := obs.all()
	if len(events) != 1 || events[0].Type != core.PluginEventUnavailable {
		t.Fatalf("expected a single UNAVAILABLE event, got %v", events)
	}
}
