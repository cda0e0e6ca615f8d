package reader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/observation"
)

// isCardPresentPingApdu is a dummy GET RESPONSE used to probe card presence
// on drivers whose status bits alone aren't trusted during the processing
// state's optional ping.
var isCardPresentPingApdu = []byte{0x00, 0xC0, 0x00, 0x00, 0x00}

type readerExceptionHandlerAdapter struct {
	handler    core.ReaderObservationExceptionHandlerSpi
	pluginName string
	readerName string
}

func (a *readerExceptionHandlerAdapter) OnObservationError(_ string, _ core.ReaderObserverSpi, err error) {
	a.handler.OnReaderObservationError(a.pluginName, a.readerName, err)
}

// ObservableLocalReader extends LocalReader with the lifecycle state
// machine, a card-selection scenario, and the observer machinery described
// in the component design.
type ObservableLocalReader struct {
	*LocalReader

	sm        *StateMachine
	observers *observation.Manager[core.ReaderObserverSpi]

	mu               sync.Mutex
	exceptionHandler core.ReaderObservationExceptionHandlerSpi
	scenario         *core.CardSelectionScenario
	notificationMode core.NotificationMode
	detectMode       core.DetectionMode

	lastSelectionResponses []*core.CardSelectionResponse
	lastChannelLeftOpen    bool
}

// NewObservableLocalReader wraps an already-constructed LocalReader with
// state-machine and observer support. The driver must implement
// spi.ObservableReaderSpi; callers should check Capabilities().IsObservable()
// before calling this.
func NewObservableLocalReader(lr *LocalReader) *ObservableLocalReader {
	r := &ObservableLocalReader{
		LocalReader:      lr,
		observers:        observation.New[core.ReaderObserverSpi](lr.Name()),
		detectMode:       core.DetectionModeRepeating,
		notificationMode: core.NotificationModeAlways,
	}
	r.observers.SetLogger(func(format string, args ...any) {
		logging.Warn(logging.CatReader, fmt.Sprintf(format, args...), map[string]any{"reader": lr.Name()})
	})
	r.sm = newStateMachine(r)

	// Autonomous drivers push insertion/removal themselves; connect this
	// reader as the callback sink so the state machine still sees the
	// internal events, without a monitoring job being launched for them
	// (see launchInsertionJob/launchRemovalJob).
	if r.capabilities.AutonomousInsertion != nil {
		r.capabilities.AutonomousInsertion.ConnectReaderEventsApi(r)
	}
	if r.capabilities.AutonomousRemoval != nil {
		r.capabilities.AutonomousRemoval.ConnectReaderEventsApi(r)
	}
	return r
}

// OnCardInserted implements spi.ReaderEventsApi: an autonomous driver calls
// this directly instead of the state machine discovering insertion via a
// monitoring job.
func (r *ObservableLocalReader) OnCardInserted() { r.sm.OnEvent(EventCardInserted) }

// OnCardRemoved implements spi.ReaderEventsApi, the removal-side analogue of
// OnCardInserted.
func (r *ObservableLocalReader) OnCardRemoved() { r.sm.OnEvent(EventCardRemoved) }

// ScheduleCardSelectionScenario installs the scenario run on the next card
// insertion, along with the notification/detection modes governing how the
// outcome is reported and what happens after removal.
func (r *ObservableLocalReader) ScheduleCardSelectionScenario(scenario *core.CardSelectionScenario, notif core.NotificationMode, detect core.DetectionMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenario = scenario
	r.notificationMode = notif
	r.detectMode = detect
}

// AddObserver registers observer, failing with illegal-state if the reader
// is unregistered.
func (r *ObservableLocalReader) AddObserver(observer core.ReaderObserverSpi) error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	return r.observers.AddObserver(observer)
}

func (r *ObservableLocalReader) RemoveObserver(observer core.ReaderObserverSpi) { r.observers.RemoveObserver(observer) }
func (r *ObservableLocalReader) ClearObservers()                                { r.observers.ClearObservers() }
func (r *ObservableLocalReader) CountObservers() int                           { return r.observers.CountObservers() }
func (r *ObservableLocalReader) SetExecutor(e observation.Executor)             { r.observers.SetExecutor(e) }

// SetExceptionHandler installs the handler that errors raised by
// observers, or by this reader's monitoring jobs, are routed to.
func (r *ObservableLocalReader) SetExceptionHandler(h core.ReaderObservationExceptionHandlerSpi) {
	r.mu.Lock()
	r.exceptionHandler = h
	r.mu.Unlock()
	r.observers.SetExceptionHandler(&readerExceptionHandlerAdapter{handler: h, pluginName: r.PluginName(), readerName: r.Name()})
}

// StartCardDetection arms the state machine (WAIT_FOR_START_DETECTION ->
// WAIT_FOR_CARD_INSERTION).
func (r *ObservableLocalReader) StartCardDetection() error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	if r.capabilities.Observable != nil {
		r.capabilities.Observable.OnStartDetection()
	}
	r.sm.OnEvent(EventStartDetect)
	return nil
}

// StopCardDetection transitions back to WAIT_FOR_START_DETECTION, stopping
// whatever monitoring job is active.
func (r *ObservableLocalReader) StopCardDetection() error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	r.sm.OnEvent(EventStopDetect)
	if r.capabilities.Observable != nil {
		r.capabilities.Observable.OnStopDetection()
	}
	return nil
}

// FinalizeCardProcessing signals that the application has finished with the
// currently processed card, driving the WAIT_FOR_CARD_PROCESSING exit.
func (r *ObservableLocalReader) FinalizeCardProcessing() {
	r.sm.OnEvent(EventCardProcessed)
}

// State returns the state machine's current state.
func (r *ObservableLocalReader) State() StateID { return r.sm.Current() }

// --- owner interface, consumed by *StateMachine ---

func (r *ObservableLocalReader) detectionMode() core.DetectionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detectMode
}

func (r *ObservableLocalReader) lastSelectionLeftChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastChannelLeftOpen
}

func (r *ObservableLocalReader) launchInsertionJob(sm *StateMachine) {
	var job monitoringJob
	switch {
	case r.capabilities.AutonomousInsertion != nil:
		// Autonomous drivers push CARD_INSERTED themselves; no job to run.
		return
	case r.capabilities.BlockingInsertion != nil:
		job = newCardInsertionPassiveJob(r.capabilities.BlockingInsertion, r.Name())
	default:
		job = newCardInsertionActiveJob(r.driver, r)
	}
	sm.setJob(job)
	go job.Run(sm)
}

func (r *ObservableLocalReader) launchRemovalJob(sm *StateMachine) {
	var job monitoringJob
	switch {
	case r.capabilities.AutonomousRemoval != nil:
		return
	case r.capabilities.BlockingRemoval != nil:
		job = newCardRemovalPassiveJob(r.capabilities.BlockingRemoval, r.Name())
	default:
		job = newCardRemovalActiveJob(r.driver, r)
	}
	sm.setJob(job)
	go job.Run(sm)
}

// launchProcessingPingJob starts the optional WAIT_FOR_CARD_PROCESSING
// presence ping, unless the driver implements
// DontWaitForCardRemovalDuringProcessingSpi, which suppresses it.
func (r *ObservableLocalReader) launchProcessingPingJob(sm *StateMachine) {
	if r.capabilities.DontWaitDuringProcessing {
		return
	}
	job := newCardProcessingPingJob(r)
	sm.setJob(job)
	go job.Run(sm)
}

// routeMonitoringError implements errorRouter for the active polling jobs.
func (r *ObservableLocalReader) routeMonitoringError(err error) {
	r.mu.Lock()
	h := r.exceptionHandler
	r.mu.Unlock()
	logging.Warn(logging.CatReader, "monitoring job driver error", map[string]any{
		"plugin": r.PluginName(),
		"reader": r.Name(),
		"error":  err.Error(),
	})
	if h != nil {
		h.OnReaderObservationError(r.PluginName(), r.Name(), err)
	}
}

// processCardInserted runs the scheduled scenario (if any) through the
// selection engine and classifies the outcome into the reader event
// emitted to observers, per the component design's processCardInserted
// rules.
func (r *ObservableLocalReader) processCardInserted() {
	r.mu.Lock()
	scenario := r.scenario
	notif := r.notificationMode
	r.mu.Unlock()

	if scenario == nil {
		r.setLastOutcome(nil, false)
		r.notify(core.NewReaderEvent(r.PluginName(), r.Name(), core.ReaderEventCardInserted, nil))
		return
	}

	responses, err := r.ProcessCardSelectionRequests(scenario.SelectionRequests, scenario.MultiSelectionProcessing, scenario.ChannelControl)
	if err != nil {
		r.handleSelectionError(err, responses)
		return
	}

	anyMatched := false
	for _, resp := range responses {
		if resp.HasMatched() {
			anyMatched = true
			break
		}
	}

	r.setLastOutcome(responses, r.IsLogicalChannelOpen())

	switch {
	case anyMatched:
		r.notify(core.NewReaderEvent(r.PluginName(), r.Name(), core.ReaderEventCardMatched, responses))
	case notif == core.NotificationModeMatchedOnly:
		r.closeLogicalAndPhysicalChannelsSilentlyLocked()
	default:
		r.notify(core.NewReaderEvent(r.PluginName(), r.Name(), core.ReaderEventCardInserted, responses))
	}
}

// closeLogicalAndPhysicalChannelsSilentlyLocked acquires the APDU
// serialization lock (LocalReader.mu) before closing both channels; used
// from the observable-reader callbacks which don't already hold it.
func (r *ObservableLocalReader) closeLogicalAndPhysicalChannelsSilentlyLocked() {
	r.LocalReader.mu.Lock()
	r.closeLogicalAndPhysicalChannelsSilently()
	r.LocalReader.mu.Unlock()
}

func (r *ObservableLocalReader) handleSelectionError(err error, partial []*core.CardSelectionResponse) {
	r.setLastOutcome(partial, false)

	if core.IsKind(err, core.KindCardBrokenCommunication) {
		r.closeLogicalAndPhysicalChannelsSilentlyLocked()
		return
	}
	r.routeMonitoringError(err)
}

func (r *ObservableLocalReader) setLastOutcome(responses []*core.CardSelectionResponse, channelOpen bool) {
	r.mu.Lock()
	r.lastSelectionResponses = responses
	r.lastChannelLeftOpen = channelOpen
	r.mu.Unlock()
}

// processCardRemoved closes both channels silently and notifies observers.
func (r *ObservableLocalReader) processCardRemoved() {
	r.closeLogicalAndPhysicalChannelsSilentlyLocked()
	r.notify(core.NewReaderEvent(r.PluginName(), r.Name(), core.ReaderEventCardRemoved, nil))
}

// closeChannelsOnDrain closes both channels silently without notifying
// observers: the card never reached WAIT_FOR_CARD_PROCESSING (a
// non-matching or failed selection), so the application was never told a
// card was present and there is nothing to tell it is gone.
func (r *ObservableLocalReader) closeChannelsOnDrain() {
	r.closeLogicalAndPhysicalChannelsSilentlyLocked()
}

// IsCardPresent overrides LocalReader's to synthesize a removal sequence
// when the driver reports absence but a channel is still open.
func (r *ObservableLocalReader) IsCardPresent() (bool, error) {
	present, err := r.LocalReader.IsCardPresent()
	if err != nil {
		return false, err
	}
	if !present && r.IsLogicalChannelOpen() {
		r.processCardRemoved()
		return false, nil
	}
	return present, nil
}

// isCardPresentPing probes presence with a dummy APDU rather than relying
// solely on driver status bits; used for the optional WAIT_FOR_CARD_PROCESSING
// ping. A transport error is routed to the exception handler; a
// card-level error (card removed mid-probe) is treated as "absent", not an
// error.
func (r *ObservableLocalReader) isCardPresentPing() bool {
	r.LocalReader.mu.Lock()
	_, err := r.LocalReader.processApduRequest(isCardPresentPingApdu)
	r.LocalReader.mu.Unlock()
	if err != nil {
		var cardErr *core.CardIOError
		if !errors.As(err, &cardErr) {
			r.routeMonitoringError(fmt.Errorf("presence ping failed on reader %s: %w", r.Name(), err))
		}
		return false
	}
	return true
}

func (r *ObservableLocalReader) notify(event *core.ReaderEvent) {
	r.observers.Notify(event, func(observer core.ReaderObserverSpi, ev any) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("reader observer panicked: %v", rec)
			}
		}()
		observer.OnReaderEvent(ev.(*core.ReaderEvent))
		return nil
	})
}

// Unregister emits UNAVAILABLE, stops detection (ignoring errors), clears
// observers, and shuts down the state machine.
func (r *ObservableLocalReader) Unregister() {
	_ = r.StopCardDetection()
	r.notify(core.NewReaderEvent(r.PluginName(), r.Name(), core.ReaderEventUnavailable, nil))
	r.observers.ClearObservers()
	r.sm.Shutdown()
	r.LocalReader.Unregister()
}
