package reader

import (
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
)

// StateID names the four states of the reader lifecycle state machine.
type StateID int

const (
	StateWaitForStartDetection StateID = iota
	StateWaitForCardInsertion
	StateWaitForCardProcessing
	StateWaitForCardRemoval
)

func (s StateID) String() string {
	switch s {
	case StateWaitForStartDetection:
		return "WAIT_FOR_START_DETECTION"
	case StateWaitForCardInsertion:
		return "WAIT_FOR_CARD_INSERTION"
	case StateWaitForCardProcessing:
		return "WAIT_FOR_CARD_PROCESSING"
	case StateWaitForCardRemoval:
		return "WAIT_FOR_CARD_REMOVAL"
	default:
		return "UNKNOWN"
	}
}

// Event names the internal events the state machine reacts to. Monitoring
// jobs post CardInserted/CardRemoved; the observable reader posts
// CardProcessed once application processing finishes; StartDetect/
// StopDetect are driven by the reader's public API.
type Event int

const (
	EventCardInserted Event = iota
	EventCardRemoved
	EventCardProcessed
	EventStartDetect
	EventStopDetect
)

// owner is the subset of *ObservableLocalReader the state machine needs,
// kept as an interface so state.go has no import-cycle dependency on the
// observable reader's full type.
type owner interface {
	Name() string
	Capabilities() Capabilities
	launchInsertionJob(sm *StateMachine)
	launchRemovalJob(sm *StateMachine)
	launchProcessingPingJob(sm *StateMachine)
	processCardInserted()
	processCardRemoved()
	closeChannelsOnDrain()
	detectionMode() core.DetectionMode
	lastSelectionLeftChannelOpen() bool
}

// StateMachine drives a single reader through its four states. Transitions
// are serialized by mu so concurrent onEvent calls and API calls
// (StartCardDetection, etc.) cannot interleave partially.
type StateMachine struct {
	mu      sync.Mutex
	current StateID
	owner   owner
	job     monitoringJob
}

func newStateMachine(owner owner) *StateMachine {
	return &StateMachine{current: StateWaitForStartDetection, owner: owner}
}

// Current returns the state machine's current state.
func (sm *StateMachine) Current() StateID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// OnEvent delivers an internal event to the state machine. Pure
// transitions (no driver I/O involved) run fully under mu. CARD_INSERTED
// and the processing-state CARD_REMOVED require running owner callbacks
// that transmit APDUs or close channels, which per the concurrency model
// must not happen while the state lock is held — for CARD_INSERTED,
// OnEvent releases mu around processCardInserted, then re-acquires it and
// transitions only if the state is still the one it observed; for the
// processing-state CARD_REMOVED it transitions first and calls
// processCardRemoved after releasing mu.
func (sm *StateMachine) OnEvent(e Event) {
	sm.mu.Lock()
	state := sm.current

	switch {
	case state == StateWaitForCardInsertion && e == EventCardInserted:
		sm.mu.Unlock()
		sm.owner.processCardInserted()
		sm.mu.Lock()
		if sm.current != StateWaitForCardInsertion {
			sm.mu.Unlock()
			return
		}
		if sm.owner.lastSelectionLeftChannelOpen() {
			sm.transitionLocked(StateWaitForCardProcessing)
		} else {
			sm.transitionLocked(StateWaitForCardRemoval)
		}
		sm.mu.Unlock()
		return

	case state == StateWaitForCardProcessing && e == EventCardRemoved:
		sm.transitionLocked(StateWaitForCardRemoval)
		sm.mu.Unlock()
		sm.owner.processCardRemoved()
		return

	case state == StateWaitForCardRemoval && e == EventCardRemoved:
		// The card never reached WAIT_FOR_CARD_PROCESSING (selection didn't
		// leave the logical channel open), so there is nothing to notify —
		// just drain the physical channel before re-arming insertion.
		next := StateWaitForCardInsertion
		if sm.owner.detectionMode() != core.DetectionModeRepeating {
			next = StateWaitForStartDetection
		}
		sm.transitionLocked(next)
		sm.mu.Unlock()
		sm.owner.closeChannelsOnDrain()
		return
	}

	defer sm.mu.Unlock()
	sm.onEventLocked(e)
}

func (sm *StateMachine) onEventLocked(e Event) {
	switch sm.current {
	case StateWaitForStartDetection:
		if e == EventStartDetect {
			sm.transitionLocked(StateWaitForCardInsertion)
		}

	case StateWaitForCardInsertion:
		if e == EventStopDetect {
			sm.transitionLocked(StateWaitForStartDetection)
		}

	case StateWaitForCardProcessing:
		switch e {
		case EventCardProcessed:
			if sm.owner.detectionMode() == core.DetectionModeRepeating {
				sm.transitionLocked(StateWaitForCardRemoval)
			} else {
				sm.transitionLocked(StateWaitForCardInsertion)
			}
		case EventStopDetect:
			sm.transitionLocked(StateWaitForStartDetection)
		}

	case StateWaitForCardRemoval:
		if e == EventStopDetect {
			sm.transitionLocked(StateWaitForStartDetection)
		}
	}
}

// transitionLocked deactivates the current state's job, switches state, and
// activates the new state's job. mu is already held.
func (sm *StateMachine) transitionLocked(next StateID) {
	prev := sm.current
	sm.deactivateLocked()
	sm.current = next
	sm.activateLocked()
	logging.Debug(logging.CatReader, "reader state transition", map[string]any{
		"reader": sm.owner.Name(),
		"from":   prev.String(),
		"to":     next.String(),
	})
}

func (sm *StateMachine) activateLocked() {
	switch sm.current {
	case StateWaitForCardInsertion:
		sm.owner.launchInsertionJob(sm)
	case StateWaitForCardRemoval:
		sm.owner.launchRemovalJob(sm)
	case StateWaitForCardProcessing:
		sm.owner.launchProcessingPingJob(sm)
	}
}

func (sm *StateMachine) deactivateLocked() {
	if sm.job == nil {
		return
	}
	job := sm.job
	sm.job = nil
	job.Stop()
}

// setJob installs the currently running monitoring job for the active
// state. Called by the owner from launchInsertionJob/launchRemovalJob/
// launchProcessingPingJob.
func (sm *StateMachine) setJob(j monitoringJob) {
	sm.job = j
}

// Shutdown forces the machine back to WAIT_FOR_START_DETECTION, stopping
// whatever job is active, without running the normal STOP_DETECT
// side-effects twice.
func (sm *StateMachine) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.deactivateLocked()
	sm.current = StateWaitForStartDetection
}
