// Package spi defines the driver-facing interfaces the core consumes: the
// contract a concrete reader/plugin driver (PC/SC, NFC, or otherwise) must
// implement to be usable through the service. These are deliberately kept
// separate from the application-facing types in internal/core.
package spi

import "context"

// ReaderSpi is the minimal contract every reader driver must satisfy.
type ReaderSpi interface {
	GetName() string

	OpenPhysicalChannel() error
	ClosePhysicalChannel() error
	IsPhysicalChannelOpen() bool
	CheckCardPresence() (bool, error)

	GetPowerOnData() (string, error)
	TransmitApdu(apdu []byte) ([]byte, error)

	IsContactless() bool
	IsProtocolSupported(readerProtocol string) bool
	IsCurrentProtocol(readerProtocol string) bool
	ActivateProtocol(readerProtocol, applicationProtocol string) error
	DeactivateProtocol(readerProtocol string) error

	OnUnregister()
}

// ObservableReaderSpi is implemented by drivers that support the
// wait-for-start/stop-detection lifecycle used by the state machine.
type ObservableReaderSpi interface {
	ReaderSpi
	OnStartDetection()
	OnStopDetection()
}

// WaitForCardInsertionBlockingSpi is a capability mixin for drivers that can
// block the calling goroutine until a card is inserted.
type WaitForCardInsertionBlockingSpi interface {
	WaitForCardInsertion(ctx context.Context) error
	StopWaitForCardInsertion()
}

// WaitForCardRemovalBlockingSpi is the removal-side analogue of
// WaitForCardInsertionBlockingSpi.
type WaitForCardRemovalBlockingSpi interface {
	WaitForCardRemoval(ctx context.Context) error
	StopWaitForCardRemoval()
}

// ReaderEventsApi is the callback surface an autonomous driver pushes
// insertion/removal events through, rather than being polled or blocked on.
type ReaderEventsApi interface {
	OnCardInserted()
	OnCardRemoved()
}

// WaitForCardInsertionAutonomousSpi is a capability mixin for drivers that
// push insertion events themselves rather than being polled or blocked on.
type WaitForCardInsertionAutonomousSpi interface {
	ConnectReaderEventsApi(api ReaderEventsApi)
}

// WaitForCardRemovalAutonomousSpi is the removal-side analogue of
// WaitForCardInsertionAutonomousSpi.
type WaitForCardRemovalAutonomousSpi interface {
	ConnectReaderEventsApi(api ReaderEventsApi)
}

// AutonomousSelectionReaderSpi is a capability mixin for drivers that
// perform AID selection themselves (e.g. contactless controllers that
// select on behalf of the application) rather than having the engine
// transmit a SELECT APPLICATION APDU over the standard path.
type AutonomousSelectionReaderSpi interface {
	OpenChannelForAid(aid []byte, p2 byte) ([]byte, error)
	CloseLogicalChannel() error
}

// DontWaitForCardRemovalDuringProcessingSpi is a marker capability: a driver
// implementing it disables the WAIT_FOR_CARD_PROCESSING presence ping,
// because its hardware cannot distinguish "still processing" from
// "removed" without disturbing the application's channel.
type DontWaitForCardRemovalDuringProcessingSpi interface {
	DontWaitForCardRemovalDuringProcessing()
}
