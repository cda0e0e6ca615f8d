// Package pcsc adapts the PC/SC smart-card API to the driver-facing SPI
// the service registry consumes: a plugin factory that opens a PC/SC
// resource-manager context and scans it for reader slots, and a reader
// driver per slot that opens/closes the physical channel and transmits
// APDUs through it. Grounded on the teacher's ebfe/scard usage in
// GetCardUID/WriteData/WaitForCard (EstablishContext, Connect, Transmit,
// Status, GetStatusChange).
package pcsc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

const (
	// PluginName is the name the PC/SC plugin registers under.
	PluginName       = "PcscPlugin"
	commonApiVersion = "1.0"
	pluginApiVersion = "2.0"

	// defaultMonitoringCycleMs is how often the plugin's watcher rescans
	// scard.Context.ListReaders for connected/disconnected readers.
	defaultMonitoringCycleMs = 1000
)

// Factory builds the PC/SC plugin. It satisfies spi.PluginFactorySpi, so a
// *Factory can be handed straight to a registry's RegisterPlugin.
type Factory struct{}

// NewFactory returns a PC/SC plugin factory.
func NewFactory() *Factory { return &Factory{} }

func (f *Factory) GetPluginName() string       { return PluginName }
func (f *Factory) GetPluginApiVersion() string { return pluginApiVersion }
func (f *Factory) GetCommonApiVersion() string { return commonApiVersion }

// GetPlugin establishes the PC/SC resource-manager context the plugin and
// every reader it hands out will share for the rest of its lifetime.
func (f *Factory) GetPlugin() (spi.PluginSpi, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	return &Plugin{ctx: ctx, monitoringCycleMs: defaultMonitoringCycleMs}, nil
}

// Plugin is the ObservablePluginSpi driver backing the PC/SC subsystem.
type Plugin struct {
	ctx               *scard.Context
	monitoringCycleMs int
}

func (p *Plugin) GetName() string { return PluginName }

func (p *Plugin) SearchAvailableReaders() ([]spi.ReaderSpi, error) {
	names, err := p.SearchAvailableReaderNames()
	if err != nil {
		return nil, err
	}
	readers := make([]spi.ReaderSpi, 0, len(names))
	for _, name := range names {
		readers = append(readers, NewReader(p.ctx, name))
	}
	return readers, nil
}

func (p *Plugin) SearchAvailableReaderNames() ([]string, error) {
	names, err := p.ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list PC/SC readers: %w", err)
	}
	return names, nil
}

func (p *Plugin) SearchReader(name string) (spi.ReaderSpi, error) {
	return NewReader(p.ctx, name), nil
}

func (p *Plugin) GetMonitoringCycleDuration() int { return p.monitoringCycleMs }

func (p *Plugin) OnUnregister() {
	_ = p.ctx.Release()
}

// Reader drives a single PC/SC reader slot: opens/closes the physical
// channel on demand, transmits APDUs over it once connected, and blocks on
// scard.Context.GetStatusChange to detect insertion/removal.
type Reader struct {
	ctx  *scard.Context
	name string

	mu   sync.Mutex
	card *scard.Card
	atr  []byte
}

// NewReader wraps reader slot name on the PC/SC context ctx.
func NewReader(ctx *scard.Context, name string) *Reader {
	return &Reader{ctx: ctx, name: name}
}

func (r *Reader) GetName() string { return r.name }

func (r *Reader) OpenPhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card != nil {
		return nil
	}

	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", r.name, err)
	}
	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return fmt.Errorf("get status of %s: %w", r.name, err)
	}

	r.card = card
	r.atr = status.Atr
	return nil
}

func (r *Reader) ClosePhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card == nil {
		return nil
	}
	err := r.card.Disconnect(scard.LeaveCard)
	r.card = nil
	r.atr = nil
	if err != nil {
		return fmt.Errorf("disconnect from %s: %w", r.name, err)
	}
	return nil
}

func (r *Reader) IsPhysicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil
}

// CheckCardPresence reports presence via the open card's own status when a
// channel is already open (cheaper, no context call), or a zero-timeout
// GetStatusChange otherwise.
func (r *Reader) CheckCardPresence() (bool, error) {
	r.mu.Lock()
	card := r.card
	r.mu.Unlock()

	if card != nil {
		if _, err := card.Status(); err != nil {
			return false, nil
		}
		return true, nil
	}

	states := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}
	if err := r.ctx.GetStatusChange(states, 0); err != nil {
		return false, fmt.Errorf("get status of %s: %w", r.name, err)
	}
	return states[0].EventState&scard.StatePresent != 0, nil
}

func (r *Reader) GetPowerOnData() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return "", core.IllegalStatef("physical channel is not open on reader %s", r.name)
	}
	return hex.EncodeToString(r.atr), nil
}

func (r *Reader) TransmitApdu(apdu []byte) ([]byte, error) {
	r.mu.Lock()
	card := r.card
	r.mu.Unlock()

	if card == nil {
		return nil, core.IllegalStatef("physical channel is not open on reader %s", r.name)
	}

	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, classifyTransmitError(err)
	}
	return resp, nil
}

// classifyTransmitError tells apart a card that misbehaved or was pulled
// from a reader-link failure, the distinction the APDU chain engine needs
// to pick between card-broken-communication and reader-broken-communication.
func classifyTransmitError(err error) error {
	var scardErr scard.Error
	if errors.As(err, &scardErr) {
		switch scardErr {
		case scard.ErrRemovedCard, scard.ErrResetCard, scard.ErrNoSmartcard, scard.ErrUnresponsiveCard:
			return &core.CardIOError{Cause: err}
		}
	}
	return &core.ReaderIOError{Cause: err}
}

// IsContactless reports whether this reader slot communicates with
// contactless cards. PC/SC doesn't expose this distinction through a
// generic call, so it's left false; the engine's case-4 GET RESPONSE retry
// (SW=9000 with no data) works from the response itself, not this flag.
func (r *Reader) IsContactless() bool { return false }

// IsProtocolSupported and IsCurrentProtocol always report true: PC/SC
// negotiates the transmission protocol during Connect via ProtocolAny,
// there's no separate support/activation query exposed per protocol name.
func (r *Reader) IsProtocolSupported(readerProtocol string) bool { return true }
func (r *Reader) IsCurrentProtocol(readerProtocol string) bool   { return true }

// ActivateProtocol and DeactivateProtocol are no-ops: protocol negotiation
// already happened when the physical channel was opened.
func (r *Reader) ActivateProtocol(readerProtocol, applicationProtocol string) error { return nil }
func (r *Reader) DeactivateProtocol(readerProtocol string) error                    { return nil }

func (r *Reader) OnUnregister() {
	_ = r.ClosePhysicalChannel()
}

// OnStartDetection and OnStopDetection are no-ops: this driver has no
// separate polling mode to toggle, detection runs entirely through
// WaitForCardInsertion/WaitForCardRemoval below.
func (r *Reader) OnStartDetection() {}
func (r *Reader) OnStopDetection()  {}

// WaitForCardInsertion blocks on GetStatusChange until a card is present on
// this reader slot or ctx is canceled.
func (r *Reader) WaitForCardInsertion(ctx context.Context) error {
	return r.waitForEvent(ctx, true)
}

// StopWaitForCardInsertion interrupts any in-flight GetStatusChange call on
// this reader's context.
func (r *Reader) StopWaitForCardInsertion() {
	_ = r.ctx.Cancel()
}

// WaitForCardRemoval blocks on GetStatusChange until this reader's card
// state changes (i.e. the card is removed) or ctx is canceled.
func (r *Reader) WaitForCardRemoval(ctx context.Context) error {
	return r.waitForEvent(ctx, false)
}

// StopWaitForCardRemoval interrupts any in-flight GetStatusChange call on
// this reader's context.
func (r *Reader) StopWaitForCardRemoval() {
	_ = r.ctx.Cancel()
}

func (r *Reader) waitForEvent(ctx context.Context, wantPresent bool) error {
	done := make(chan error, 1)
	go func() {
		states := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}
		for {
			if err := r.ctx.GetStatusChange(states, -1); err != nil {
				done <- err
				return
			}
			if (states[0].EventState&scard.StatePresent != 0) == wantPresent {
				done <- nil
				return
			}
			states[0].CurrentState = states[0].EventState
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = r.ctx.Cancel()
		<-done
		return ctx.Err()
	}
}
