package core

// ReaderObserverSpi is implemented by applications that want to be notified
// of card insertion/match/removal on an observable reader.
type ReaderObserverSpi interface {
	OnReaderEvent(event *ReaderEvent)
}

// ReaderObservationExceptionHandlerSpi receives errors raised by a reader
// observer, or by a monitoring job / driver call made on the observable
// reader's behalf.
type ReaderObservationExceptionHandlerSpi interface {
	OnReaderObservationError(pluginName, readerName string, err error)
}

// PluginObserverSpi is implemented by applications that want to be notified
// when readers appear or disappear on an observable plugin.
type PluginObserverSpi interface {
	OnPluginEvent(event *PluginEvent)
}

// PluginObservationExceptionHandlerSpi receives errors raised by a plugin
// observer, or by the plugin's reader-scan watcher.
type PluginObservationExceptionHandlerSpi interface {
	OnPluginObservationError(pluginName string, err error)
}
