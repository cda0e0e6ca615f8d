package plugin

import (
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/reader"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// PoolPlugin exposes a pool of readers grouped by a reference, allocated
// and released on demand rather than statically scanned.
type PoolPlugin struct {
	name   string
	driver spi.PoolPluginSpi

	mu         sync.RWMutex
	registered bool
	readers    map[string]Reader
}

// NewPoolPlugin constructs a pool plugin bound to driver, not yet
// registered.
func NewPoolPlugin(driver spi.PoolPluginSpi) *PoolPlugin {
	return &PoolPlugin{name: driver.GetName(), driver: driver, readers: make(map[string]Reader)}
}

func (p *PoolPlugin) Name() string       { return p.name }
func (p *PoolPlugin) IsRegistered() bool { return p.registered }

func (p *PoolPlugin) checkStatus() error {
	if !p.registered {
		return core.IllegalStatef("pool plugin %s is not or no longer registered", p.name)
	}
	return nil
}

// Register marks the plugin usable; pool plugins have no static reader set
// to scan.
func (p *PoolPlugin) Register() {
	p.mu.Lock()
	p.registered = true
	p.mu.Unlock()
}

// Unregister releases every allocated reader and the driver handle.
func (p *PoolPlugin) Unregister() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.readers {
		r.Unregister()
	}
	p.readers = make(map[string]Reader)
	p.registered = false
	p.driver.OnUnregister()
}

// GetReaderGroupReferences returns the driver's group references.
func (p *PoolPlugin) GetReaderGroupReferences() ([]string, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}
	refs, err := p.driver.GetReaderGroupReferences()
	if err != nil {
		return nil, core.Pluginf("failed to get reader group references for pool plugin %s: %v", p.name, err)
	}
	return refs, nil
}

// AllocateReader mints a reader from groupReference and adds it to the
// plugin's reader map.
func (p *PoolPlugin) AllocateReader(groupReference string) (Reader, error) {
	if err := p.checkStatus(); err != nil {
		return nil, err
	}

	dr, err := p.driver.AllocateReader(groupReference)
	if err != nil {
		return nil, core.Pluginf("failed to allocate reader from group %s on pool plugin %s: %v", groupReference, p.name, err)
	}

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

	p.mu.Lock()
	p.readers[dr.GetName()] = r
	p.mu.Unlock()

	return r, nil
}

// ReleaseReader releases a previously allocated reader. The reader is
// always removed from the plugin's map, even if the driver call fails.
func (p *PoolPlugin) ReleaseReader(r Reader) error {
	if err := p.checkStatus(); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.readers, r.Name())
	p.mu.Unlock()

	r.Unregister()

	driven, ok := r.(interface{ Driver() spi.ReaderSpi })
	if !ok {
		return core.Pluginf("reader %s on pool plugin %s has no driver handle to release", r.Name(), p.name)
	}
	if err := p.driver.ReleaseReader(driven.Driver()); err != nil {
		return core.Pluginf("failed to release reader %s on pool plugin %s: %v", r.Name(), p.name, err)
	}
	return nil
}
