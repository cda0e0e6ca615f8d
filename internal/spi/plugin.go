package spi

// PluginSpi is the minimal contract every plugin driver must satisfy: it
// knows how to scan for the readers it currently exposes.
type PluginSpi interface {
	GetName() string
	SearchAvailableReaders() ([]ReaderSpi, error)
	OnUnregister()
}

// ObservablePluginSpi is implemented by drivers whose reader set can
// change at runtime and must be watched by polling.
type ObservablePluginSpi interface {
	PluginSpi
	SearchAvailableReaderNames() ([]string, error)
	SearchReader(name string) (ReaderSpi, error)
	GetMonitoringCycleDuration() int // milliseconds
}

// PluginEventsApi is the callback surface an autonomous plugin driver
// pushes reader connect/disconnect events through.
type PluginEventsApi interface {
	OnReaderConnected(readers []ReaderSpi)
	OnReaderDisconnected(readerNames []string)
}

// AutonomousObservablePluginSpi is implemented by drivers that push
// reader-connect/disconnect events themselves rather than being polled.
type AutonomousObservablePluginSpi interface {
	PluginSpi
	ConnectPluginEventsApi(api PluginEventsApi)
}

// PoolPluginSpi is implemented by drivers exposing a pool of readers
// grouped by a reference, allocated and released on demand rather than
// statically scanned.
type PoolPluginSpi interface {
	GetName() string
	GetReaderGroupReferences() ([]string, error)
	AllocateReader(groupReference string) (ReaderSpi, error)
	ReleaseReader(reader ReaderSpi) error
	OnUnregister()
}

// PluginFactorySpi wraps a concrete driver construction together with the
// API version information the registry checks at registration time.
type PluginFactorySpi interface {
	GetPluginName() string
	GetPluginApiVersion() string
	GetCommonApiVersion() string
	GetPlugin() (PluginSpi, error)
}

// PoolPluginFactorySpi is the pool-plugin analogue of PluginFactorySpi.
type PoolPluginFactorySpi interface {
	GetPluginName() string
	GetPluginApiVersion() string
	GetCommonApiVersion() string
	GetPoolPlugin() (PoolPluginSpi, error)
}
