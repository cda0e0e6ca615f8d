package plugin

import (
	"fmt"
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/observation"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// AutonomousObservableLocalPlugin is the autonomous analogue of
// ObservableLocalPlugin: the driver pushes reader-connect/disconnect events
// directly through spi.PluginEventsApi instead of being polled on a fixed
// interval, so there is no watcher to start or stop.
type AutonomousObservableLocalPlugin struct {
	*LocalPlugin

	driver    spi.AutonomousObservablePluginSpi
	observers *observation.Manager[core.PluginObserverSpi]

	mu               sync.Mutex
	exceptionHandler core.PluginObservationExceptionHandlerSpi
}

// NewAutonomousObservableLocalPlugin wraps a LocalPlugin whose driver pushes
// reader connect/disconnect events itself, connecting this plugin as the
// driver's PluginEventsApi sink.
func NewAutonomousObservableLocalPlugin(driver spi.AutonomousObservablePluginSpi) *AutonomousObservableLocalPlugin {
	lp := NewLocalPlugin(driver)
	p := &AutonomousObservableLocalPlugin{
		LocalPlugin: lp,
		driver:      driver,
		observers:   observation.New[core.PluginObserverSpi](lp.Name()),
	}
	p.observers.SetLogger(func(format string, args ...any) {
		logging.Warn(logging.CatPlugin, fmt.Sprintf(format, args...), map[string]any{"plugin": lp.Name()})
	})
	driver.ConnectPluginEventsApi(p)
	return p
}

func (p *AutonomousObservableLocalPlugin) AddObserver(observer core.PluginObserverSpi) error {
	if err := p.checkStatus(); err != nil {
		return err
	}
	return p.observers.AddObserver(observer)
}

func (p *AutonomousObservableLocalPlugin) RemoveObserver(observer core.PluginObserverSpi) {
	p.observers.RemoveObserver(observer)
}

func (p *AutonomousObservableLocalPlugin) ClearObservers() { p.observers.ClearObservers() }

func (p *AutonomousObservableLocalPlugin) CountObservers() int { return p.observers.CountObservers() }

func (p *AutonomousObservableLocalPlugin) SetExecutor(e observation.Executor) { p.observers.SetExecutor(e) }

// SetExceptionHandler installs the handler errors raised by observers are
// routed to.
func (p *AutonomousObservableLocalPlugin) SetExceptionHandler(h core.PluginObservationExceptionHandlerSpi) {
	p.mu.Lock()
	p.exceptionHandler = h
	p.mu.Unlock()
	p.observers.SetExceptionHandler(&pluginExceptionHandlerAdapter{handler: h, pluginName: p.Name()})
}

// OnReaderConnected implements spi.PluginEventsApi: the driver calls this
// directly when it notices new readers, in place of the polling watcher's
// diff.
func (p *AutonomousObservableLocalPlugin) OnReaderConnected(readers []spi.ReaderSpi) {
	if len(readers) == 0 {
		return
	}
	names := make([]string, 0, len(readers))
	p.LocalPlugin.mu.Lock()
	for _, dr := range readers {
		p.registerDriverReaderLocked(dr)
		names = append(names, dr.GetName())
	}
	p.LocalPlugin.mu.Unlock()
	p.notify(core.NewPluginEvent(p.Name(), names, core.PluginEventReaderConnected))
}

// OnReaderDisconnected implements spi.PluginEventsApi, the disconnect-side
// analogue of OnReaderConnected.
func (p *AutonomousObservableLocalPlugin) OnReaderDisconnected(readerNames []string) {
	if len(readerNames) == 0 {
		return
	}
	var removed []string
	p.LocalPlugin.mu.Lock()
	for _, name := range readerNames {
		r, ok := p.readers[name]
		if !ok {
			continue
		}
		delete(p.readers, name)
		removed = append(removed, name)
		r.Unregister()
	}
	p.LocalPlugin.mu.Unlock()
	if len(removed) > 0 {
		p.notify(core.NewPluginEvent(p.Name(), removed, core.PluginEventReaderDisconnected))
	}
}

func (p *AutonomousObservableLocalPlugin) notify(event *core.PluginEvent) {
	p.observers.Notify(event, func(observer core.PluginObserverSpi, ev any) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("plugin observer panicked: %v", rec)
			}
		}()
		observer.OnPluginEvent(ev.(*core.PluginEvent))
		return nil
	})
}

// Unregister unregisters every reader, notifies UNAVAILABLE, and clears
// observers. There is no watcher to stop.
func (p *AutonomousObservableLocalPlugin) Unregister() {
	names, _ := p.GetReaderNames()
	p.LocalPlugin.Unregister()
	p.notify(core.NewPluginEvent(p.Name(), names, core.PluginEventUnavailable))
	p.observers.ClearObservers()
}
