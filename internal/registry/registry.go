// Package registry implements the service registry: the single point
// through which plugin and pool-plugin drivers are registered with, and
// looked up from, the running service. Registration dispatches on which
// factory SPI a driver's factory implements and picks the matching plugin
// adapter (observable local, plain local, or pool) the way the original
// Keyple service adapter's createLocalPlugin/createLocalPoolPlugin did.
package registry

import (
	"strconv"
	"strings"
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/plugin"
	"github.com/SimplyPrint/nfc-agent/internal/selection"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// CommonApiVersion and PluginApiVersion are the API versions this service
// implements. A registering factory's own versions are compared against
// these; a mismatch is logged as a warning and never fails registration,
// only a malformed version string does.
const (
	CommonApiVersion = "1.0"
	PluginApiVersion = "2.0"
)

// Plugin is the minimal surface every registered plugin variant
// (LocalPlugin, ObservableLocalPlugin, PoolPlugin) satisfies.
type Plugin interface {
	Name() string
	IsRegistered() bool
	Unregister()
}

// Registry is the service's plugin registration point. Use New rather
// than a package-level singleton so independent services, e.g. in tests,
// don't share registration state.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]Plugin
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// RegisterPlugin builds a plugin from factory and registers it under the
// name the factory advertises. Fails illegal-state if that name is already
// registered or a version string is malformed, illegal-argument if the
// driver's own name doesn't match the factory's, plugin-io if the driver
// fails to build or scan its initial reader set.
func (s *Registry) RegisterPlugin(factory spi.PluginFactorySpi) (Plugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := factory.GetPluginName()
	logging.Info(logging.CatRegistry, "registering plugin", map[string]any{"plugin": name})

	if err := s.checkNotRegisteredLocked(name); err != nil {
		return nil, err
	}
	if err := checkVersions(name, factory.GetCommonApiVersion(), factory.GetPluginApiVersion()); err != nil {
		return nil, err
	}

	driver, err := factory.GetPlugin()
	if err != nil {
		return nil, core.PluginIOf(err, "unable to build plugin %s from factory", name)
	}
	if driver.GetName() != name {
		return nil, core.IllegalArgumentf("the plugin name %q mismatches the expected name %q provided by the factory", driver.GetName(), name)
	}

	var p Plugin
	if autonomous, ok := driver.(spi.AutonomousObservablePluginSpi); ok {
		ap := plugin.NewAutonomousObservableLocalPlugin(autonomous)
		if err := ap.Register(); err != nil {
			return nil, err
		}
		p = ap
	} else if observable, ok := driver.(spi.ObservablePluginSpi); ok {
		op := plugin.NewObservableLocalPlugin(observable)
		if err := op.Register(); err != nil {
			return nil, err
		}
		p = op
	} else {
		lp := plugin.NewLocalPlugin(driver)
		if err := lp.Register(); err != nil {
			return nil, err
		}
		p = lp
	}

	s.plugins[name] = p
	return p, nil
}

// RegisterPoolPlugin builds a pool plugin from factory and registers it,
// under the same rules as RegisterPlugin.
func (s *Registry) RegisterPoolPlugin(factory spi.PoolPluginFactorySpi) (Plugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := factory.GetPluginName()
	logging.Info(logging.CatRegistry, "registering pool plugin", map[string]any{"plugin": name})

	if err := s.checkNotRegisteredLocked(name); err != nil {
		return nil, err
	}
	if err := checkVersions(name, factory.GetCommonApiVersion(), factory.GetPluginApiVersion()); err != nil {
		return nil, err
	}

	driver, err := factory.GetPoolPlugin()
	if err != nil {
		return nil, core.PluginIOf(err, "unable to build pool plugin %s from factory", name)
	}
	if driver.GetName() != name {
		return nil, core.IllegalArgumentf("the pool plugin name %q mismatches the expected name %q provided by the factory", driver.GetName(), name)
	}

	pp := plugin.NewPoolPlugin(driver)
	pp.Register()

	s.plugins[name] = pp
	return pp, nil
}

// UnregisterPlugin removes name from the registry and tears it down. If
// name isn't registered this only logs a warning, it never fails; the
// original service does the same rather than treat a double-unregister as
// an error.
func (s *Registry) UnregisterPlugin(name string) {
	s.mu.Lock()
	p, ok := s.plugins[name]
	if ok {
		delete(s.plugins, name)
	}
	s.mu.Unlock()

	if !ok {
		logging.Warn(logging.CatRegistry, "plugin is not registered", map[string]any{"plugin": name})
		return
	}

	logging.Info(logging.CatRegistry, "unregistering plugin", map[string]any{"plugin": name})
	p.Unregister()
}

// GetPluginNames returns the names of every currently registered plugin.
func (s *Registry) GetPluginNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.plugins))
	for name := range s.plugins {
		names = append(names, name)
	}
	return names
}

// GetPlugins returns every currently registered plugin.
func (s *Registry) GetPlugins() []Plugin {
	s.mu.Lock()
	defer s.mu.Unlock()

	plugins := make([]Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		plugins = append(plugins, p)
	}
	return plugins
}

// GetPlugin looks up a registered plugin by name.
func (s *Registry) GetPlugin(name string) (Plugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plugins[name]
	if !ok {
		return nil, core.IllegalArgumentf("no plugin registered with name %q", name)
	}
	return p, nil
}

// CreateCardSelectionManager returns a new, empty selection manager ready
// to accumulate card selectors and run or schedule them against a reader.
func (s *Registry) CreateCardSelectionManager() *selection.Manager {
	return selection.New()
}

// readerProvider is implemented by LocalPlugin and ObservableLocalPlugin,
// not by PoolPlugin: a pool hands out readers on allocation rather than
// exposing a static set.
type readerProvider interface {
	GetReaders() ([]plugin.Reader, error)
}

// GetPluginReaders returns the current reader set of the named plugin.
// Fails illegal-state if the plugin doesn't expose a static reader set
// (i.e. it's a pool plugin).
func (s *Registry) GetPluginReaders(name string) ([]plugin.Reader, error) {
	p, err := s.GetPlugin(name)
	if err != nil {
		return nil, err
	}
	rp, ok := p.(readerProvider)
	if !ok {
		return nil, core.IllegalStatef("plugin %q does not expose a static reader set", name)
	}
	return rp.GetReaders()
}

func (s *Registry) checkNotRegisteredLocked(name string) error {
	if _, ok := s.plugins[name]; ok {
		return core.IllegalStatef("the plugin %q has already been registered to the service", name)
	}
	return nil
}

// checkVersions logs a warning for each API version mismatch between a
// registering factory and this service, failing only when one of the
// version strings itself cannot be parsed.
func checkVersions(pluginName, commonVersion, pluginVersion string) error {
	mismatch, err := compareVersions(commonVersion, CommonApiVersion)
	if err != nil {
		return core.IllegalStatef("plugin %s: %v", pluginName, err)
	}
	if mismatch {
		logging.Warn(logging.CatRegistry, "common API version mismatch", map[string]any{
			"plugin": pluginName, "provided": commonVersion, "local": CommonApiVersion,
		})
	}

	mismatch, err = compareVersions(pluginVersion, PluginApiVersion)
	if err != nil {
		return core.IllegalStatef("plugin %s: %v", pluginName, err)
	}
	if mismatch {
		logging.Warn(logging.CatRegistry, "plugin API version mismatch", map[string]any{
			"plugin": pluginName, "provided": pluginVersion, "local": PluginApiVersion,
		})
	}
	return nil
}

// compareVersions reports whether provided and local, each a dot-separated
// run of decimal components (e.g. "2.1.0"), differ. Components are summed
// left to right with each partial sum weighted by 1000 before the next
// component is added. Fails if the two strings don't have the same number
// of components, or either has a non-numeric component.
func compareVersions(provided, local string) (bool, error) {
	providedParts := strings.Split(provided, ".")
	localParts := strings.Split(local, ".")
	if len(providedParts) != len(localParts) {
		return false, core.IllegalStatef("inconsistent version numbers: provided = %s, local = %s", provided, local)
	}

	providedWeighted, err := weighVersion(providedParts)
	if err != nil {
		return false, core.IllegalStatef("bad version numbers: provided = %s, local = %s", provided, local)
	}
	localWeighted, err := weighVersion(localParts)
	if err != nil {
		return false, core.IllegalStatef("bad version numbers: provided = %s, local = %s", provided, local)
	}

	return providedWeighted != localWeighted, nil
}

func weighVersion(parts []string) (int, error) {
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, err
		}
		total += n
		total *= 1000
	}
	return total, nil
}
