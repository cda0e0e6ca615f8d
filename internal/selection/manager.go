// Package selection provides the application-facing card selection
// manager: accumulate a set of card selectors (each with an optional
// follow-up APDU chain) into a scenario, then either run it once against a
// reader synchronously or schedule it on an observable reader so it runs
// automatically on the next detected card insertion.
package selection

import "github.com/SimplyPrint/nfc-agent/internal/core"

// Reader is the subset of the reader surface a selection manager needs to
// run a scenario synchronously.
type Reader interface {
	ProcessCardSelectionRequests(
		requests []*core.SelectionRequest,
		multi core.MultiSelectionProcessing,
		channelControl core.ChannelControl,
	) ([]*core.CardSelectionResponse, error)
}

// ObservableReader additionally accepts a scenario to run automatically on
// the next card insertion it detects.
type ObservableReader interface {
	Reader
	ScheduleCardSelectionScenario(scenario *core.CardSelectionScenario, notif core.NotificationMode, detect core.DetectionMode)
}

// Manager accumulates selection requests for a single selection scenario.
// Not safe for concurrent use from multiple goroutines; each caller
// building a scenario should use its own Manager.
type Manager struct {
	requests []*core.SelectionRequest
	multi    core.MultiSelectionProcessing
}

// New returns an empty Manager defaulting to first-match processing.
func New() *Manager {
	return &Manager{multi: core.MultiSelectionFirstMatch}
}

// SetMultiSelectionProcessing governs what happens once a request in a
// multi-request scenario matches: stop there, or keep going through the
// remaining requests.
func (m *Manager) SetMultiSelectionProcessing(multi core.MultiSelectionProcessing) {
	m.multi = multi
}

// PrepareSelection appends a selector, with an optional card request to run
// immediately after it matches, to the scenario under construction.
func (m *Manager) PrepareSelection(selector *core.CardSelector, cardRequest *core.CardRequest) {
	m.requests = append(m.requests, &core.SelectionRequest{CardSelector: selector, CardRequest: cardRequest})
}

func (m *Manager) scenario(channelControl core.ChannelControl) *core.CardSelectionScenario {
	return &core.CardSelectionScenario{
		SelectionRequests:        m.requests,
		MultiSelectionProcessing: m.multi,
		ChannelControl:           channelControl,
	}
}

// ProcessCardSelectionScenario runs the prepared requests against reader
// right away, closing the physical channel once the scenario completes.
func (m *Manager) ProcessCardSelectionScenario(reader Reader) ([]*core.CardSelectionResponse, error) {
	return reader.ProcessCardSelectionRequests(m.requests, m.multi, core.ChannelControlCloseAfter)
}

// ScheduleCardSelectionScenario installs the prepared requests on reader so
// they run automatically the next time it detects a card, leaving the
// physical channel open afterward for follow-up TransmitCardRequest calls.
func (m *Manager) ScheduleCardSelectionScenario(reader ObservableReader, notif core.NotificationMode, detect core.DetectionMode) {
	reader.ScheduleCardSelectionScenario(m.scenario(core.ChannelControlKeepOpen), notif, detect)
}
