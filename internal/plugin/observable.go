package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/observation"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

type pluginExceptionHandlerAdapter struct {
	handler    core.PluginObservationExceptionHandlerSpi
	pluginName string
}

func (a *pluginExceptionHandlerAdapter) OnObservationError(_ string, _ core.PluginObserverSpi, err error) {
	a.handler.OnPluginObservationError(a.pluginName, err)
}

// ObservableLocalPlugin extends LocalPlugin with a watcher that, at fixed
// intervals, diffs the driver's reader-name set against its own and emits
// READER_CONNECTED/READER_DISCONNECTED events. The watcher starts on the
// first observer add and stops on the last observer remove or on
// unregister, per the component design.
type ObservableLocalPlugin struct {
	*LocalPlugin

	driver    spi.ObservablePluginSpi
	observers *observation.Manager[core.PluginObserverSpi]

	mu               sync.Mutex
	exceptionHandler core.PluginObservationExceptionHandlerSpi
	watcherStop      chan struct{}
	watcherRunning   bool
}

// NewObservableLocalPlugin wraps a LocalPlugin whose driver implements
// spi.ObservablePluginSpi with the watcher and observer machinery.
func NewObservableLocalPlugin(driver spi.ObservablePluginSpi) *ObservableLocalPlugin {
	lp := NewLocalPlugin(driver)
	p := &ObservableLocalPlugin{
		LocalPlugin: lp,
		driver:      driver,
		observers:   observation.New[core.PluginObserverSpi](lp.Name()),
	}
	p.observers.SetLogger(func(format string, args ...any) {
		logging.Warn(logging.CatPlugin, fmt.Sprintf(format, args...), map[string]any{"plugin": lp.Name()})
	})
	return p
}

// AddObserver registers observer, starting the watcher if this is the
// first observer.
func (p *ObservableLocalPlugin) AddObserver(observer core.PluginObserverSpi) error {
	if err := p.checkStatus(); err != nil {
		return err
	}
	if err := p.observers.AddObserver(observer); err != nil {
		return err
	}
	p.maybeStartWatcher()
	return nil
}

// RemoveObserver unregisters observer, stopping the watcher if it was the
// last one.
func (p *ObservableLocalPlugin) RemoveObserver(observer core.PluginObserverSpi) {
	p.observers.RemoveObserver(observer)
	p.maybeStopWatcher()
}

func (p *ObservableLocalPlugin) ClearObservers() {
	p.observers.ClearObservers()
	p.maybeStopWatcher()
}

func (p *ObservableLocalPlugin) CountObservers() int { return p.observers.CountObservers() }

func (p *ObservableLocalPlugin) SetExecutor(e observation.Executor) { p.observers.SetExecutor(e) }

// SetExceptionHandler installs the handler errors raised by observers, or
// by the watcher itself, are routed to.
func (p *ObservableLocalPlugin) SetExceptionHandler(h core.PluginObservationExceptionHandlerSpi) {
	p.mu.Lock()
	p.exceptionHandler = h
	p.mu.Unlock()
	p.observers.SetExceptionHandler(&pluginExceptionHandlerAdapter{handler: h, pluginName: p.Name()})
}

func (p *ObservableLocalPlugin) maybeStartWatcher() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcherRunning {
		return
	}
	p.watcherRunning = true
	p.watcherStop = make(chan struct{})
	go p.watch(p.watcherStop)
}

func (p *ObservableLocalPlugin) maybeStopWatcher() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.watcherRunning || p.observers.CountObservers() > 0 {
		return
	}
	close(p.watcherStop)
	p.watcherRunning = false
}

func (p *ObservableLocalPlugin) cycleDuration() time.Duration {
	ms := p.driver.GetMonitoringCycleDuration()
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// watch diffs the driver's current reader-name set against the plugin's
// own map every cycle, emitting READER_CONNECTED/READER_DISCONNECTED for
// the difference.
func (p *ObservableLocalPlugin) watch(stop chan struct{}) {
	ticker := time.NewTicker(p.cycleDuration())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.scanOnce()
		}
	}
}

func (p *ObservableLocalPlugin) scanOnce() {
	driverNames, err := p.driver.SearchAvailableReaderNames()
	if err != nil {
		p.routeError(core.PluginIOf(err, "failed to scan reader names for plugin %s", p.Name()))
		return
	}

	driverSet := make(map[string]struct{}, len(driverNames))
	for _, n := range driverNames {
		driverSet[n] = struct{}{}
	}
	ownSet := p.readerNameSet()

	var connected []string
	for n := range driverSet {
		if _, ok := ownSet[n]; !ok {
			connected = append(connected, n)
		}
	}
	var disconnected []string
	for n := range ownSet {
		if _, ok := driverSet[n]; !ok {
			disconnected = append(disconnected, n)
		}
	}

	for _, name := range connected {
		dr, err := p.driver.SearchReader(name)
		if err != nil {
			p.routeError(core.PluginIOf(err, "failed to fetch newly connected reader %s on plugin %s", name, p.Name()))
			continue
		}
		p.LocalPlugin.mu.Lock()
		p.registerDriverReaderLocked(dr)
		p.LocalPlugin.mu.Unlock()
	}

	for _, name := range disconnected {
		p.LocalPlugin.mu.Lock()
		r := p.readers[name]
		delete(p.readers, name)
		p.LocalPlugin.mu.Unlock()
		if r != nil {
			r.Unregister()
		}
	}

	if len(connected) > 0 {
		p.notify(core.NewPluginEvent(p.Name(), connected, core.PluginEventReaderConnected))
	}
	if len(disconnected) > 0 {
		p.notify(core.NewPluginEvent(p.Name(), disconnected, core.PluginEventReaderDisconnected))
	}
}

func (p *ObservableLocalPlugin) routeError(err error) {
	p.mu.Lock()
	h := p.exceptionHandler
	p.mu.Unlock()
	logging.Warn(logging.CatPlugin, "reader watcher scan failed", map[string]any{
		"plugin": p.Name(),
		"error":  err.Error(),
	})
	if h != nil {
		h.OnPluginObservationError(p.Name(), err)
	}
}

func (p *ObservableLocalPlugin) notify(event *core.PluginEvent) {
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

// Unregister stops the watcher, unregisters every reader, notifies
// UNAVAILABLE, and clears observers.
func (p *ObservableLocalPlugin) Unregister() {
	p.mu.Lock()
	if p.watcherRunning {
		close(p.watcherStop)
		p.watcherRunning = false
	}
	p.mu.Unlock()

	names, _ := p.GetReaderNames()
	p.LocalPlugin.Unregister()
	p.notify(core.NewPluginEvent(p.Name(), names, core.PluginEventUnavailable))
	p.observers.ClearObservers()
}
