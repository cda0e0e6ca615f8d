// Package plugin implements the plugin side of the service: the local
// plugin (a static reader set scanned from a driver), the pool plugin
// (readers minted on allocate, destroyed on release), and the observable
// local plugin (periodic appear/disappear watcher).
package plugin

import (
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/reader"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// Reader is the subset of the reader surface a plugin's reader map needs;
// both *reader.LocalReader and *reader.ObservableLocalReader satisfy it.
type Reader interface {
	Name() string
	IsRegistered() bool
	IsCardPresent() (bool, error)
	Unregister()
}

// LocalPlugin owns a reader map scanned from a driver at registration
// time. register/unregister are the plugin-level operations described in
// the component design.
type LocalPlugin struct {
	name   string
	driver spi.PluginSpi

	mu         sync.RWMutex
	registered bool
	readers    map[string]Reader
}

// NewLocalPlugin constructs a plugin bound to driver, not yet registered.
func NewLocalPlugin(driver spi.PluginSpi) *LocalPlugin {
	return &LocalPlugin{name: driver.GetName(), driver: driver, readers: make(map[string]Reader)}
}

func (p *LocalPlugin) Name() string        { return p.name }
func (p *LocalPlugin) IsRegistered() bool  { return p.registered }

func (p *LocalPlugin) checkStatus() error {
	if !p.registered {
		return core.IllegalStatef("plugin %s is not or no longer registered", p.name)
	}
	return nil
}

// Register scans the driver for available readers, constructing an
// observable reader for any driver that advertises the capability and a
// plain reader otherwise, then registers each.
func (p *LocalPlugin) Register() error {
	driverReaders, err := p.driver.SearchAvailableReaders()
	if err != nil {
		return core.PluginIOf(err, "failed to scan readers for plugin %s", p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, dr := range driverReaders {
		p.registerDriverReaderLocked(dr)
	}
	p.registered = true
	return nil
}

func (p *LocalPlugin) registerDriverReaderLocked(dr spi.ReaderSpi) {
	lr := reader.NewLocalReader(p.name, dr)
	var r Reader
	if lr.Capabilities().IsObservable() {
		obs := reader.NewObservableLocalReader(lr)
		obs.Register()
		r = obs
	} else {
		lr.Register()
		r = lr
	}
	p.readers[dr.GetName()] = r
}

// Unregister unregisters every reader, releases the driver handle, and
// marks the plugin unusable.
func (p *LocalPlugin) Unregister() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.readers {
		r.Unregister()
	}
	p.readers = make(map[string]Reader)
	p.registered = false
	p.driver.OnUnregister()
}

// GetReaderNames returns the currently registered reader names.
func (p *LocalPlugin) GetReaderNames() ([]string, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.readers))
	for name := range p.readers {
		names = append(names, name)
	}
	return names, nil
}

// GetReader looks up a registered reader by name.
func (p *LocalPlugin) GetReader(name string) (Reader, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readers[name], nil
}

// GetReaders returns every currently registered reader.
func (p *LocalPlugin) GetReaders() ([]Reader, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	readers := make([]Reader, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	return readers, nil
}

func (p *LocalPlugin) readerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.readers)
}

func (p *LocalPlugin) readerNameSet() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := make(map[string]struct{}, len(p.readers))
	for name := range p.readers {
		set[name] = struct{}{}
	}
	return set
}
