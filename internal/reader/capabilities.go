package reader

import (
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// Capabilities is the driver-capability record queried once, at reader
// construction time, by type-asserting the driver's ReaderSpi against the
// optional mixin interfaces. The state machine and monitoring-job
// selection logic dispatch on this record rather than re-asserting the
// driver on every call.
type Capabilities struct {
	Observable              spi.ObservableReaderSpi
	BlockingInsertion       spi.WaitForCardInsertionBlockingSpi
	BlockingRemoval         spi.WaitForCardRemovalBlockingSpi
	AutonomousInsertion     spi.WaitForCardInsertionAutonomousSpi
	AutonomousRemoval       spi.WaitForCardRemovalAutonomousSpi
	AutonomousSelection     spi.AutonomousSelectionReaderSpi
	DontWaitDuringProcessing bool
}

// DetectCapabilities builds a Capabilities record for driver by type
// asserting it against each optional mixin interface.
func DetectCapabilities(driver spi.ReaderSpi) Capabilities {
	var c Capabilities
	if o, ok := driver.(spi.ObservableReaderSpi); ok {
		c.Observable = o
	}
	if b, ok := driver.(spi.WaitForCardInsertionBlockingSpi); ok {
		c.BlockingInsertion = b
	}
	if b, ok := driver.(spi.WaitForCardRemovalBlockingSpi); ok {
		c.BlockingRemoval = b
	}
	if a, ok := driver.(spi.WaitForCardInsertionAutonomousSpi); ok {
		c.AutonomousInsertion = a
	}
	if a, ok := driver.(spi.WaitForCardRemovalAutonomousSpi); ok {
		c.AutonomousRemoval = a
	}
	if a, ok := driver.(spi.AutonomousSelectionReaderSpi); ok {
		c.AutonomousSelection = a
	}
	if _, ok := driver.(spi.DontWaitForCardRemovalDuringProcessingSpi); ok {
		c.DontWaitDuringProcessing = true
	}
	return c
}

// IsObservable reports whether the driver implements the observable reader
// contract at all (required to run a state machine).
func (c Capabilities) IsObservable() bool {
	return c.Observable != nil
}
