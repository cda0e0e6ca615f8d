package reader

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// getResponseApdu is the fixed GET RESPONSE command issued automatically
// after a case-4 APDU comes back empty with SW=9000.
var getResponseApdu = []byte{0x00, 0xC0, 0x00, 0x00, 0x00}

// LocalReader owns a driver handle and the logical/physical channel state
// for one reader. It implements the APDU selection engine described in the
// component design: selection-request application, case-4 auto-retry, and
// the card-request chain with stop-on-unsuccessful-status-word semantics.
//
// mu serializes the entry points that touch channel or protocol state
// (ProcessCardSelectionRequests, TransmitCardRequest, ReleaseChannel,
// IsLogicalChannelOpen and the protocol-association updates): it is the
// "per-reader lock" held for the duration of a
// TransmitCardRequest/ProcessCardSelectionRequests call, so two APDU chains
// on the same reader never interleave. Registration and the driver queries
// (IsCardPresent, IsContactless) do not take it. Internal helpers assume
// the caller already holds mu and never re-acquire it.
type LocalReader struct {
	name         string
	pluginName   string
	driver       spi.ReaderSpi
	capabilities Capabilities

	mu                 sync.Mutex
	registered         bool
	logicalChannelOpen bool

	// readerProtocol -> applicationProtocol
	protocolAssociations map[string]string
	useDefaultProtocol    bool
	currentProtocol       string
}

// NewLocalReader constructs a reader bound to driver, not yet registered.
func NewLocalReader(pluginName string, driver spi.ReaderSpi) *LocalReader {
	return &LocalReader{
		name:                 driver.GetName(),
		pluginName:           pluginName,
		driver:               driver,
		capabilities:         DetectCapabilities(driver),
		protocolAssociations: make(map[string]string),
		useDefaultProtocol:   true,
	}
}

func (r *LocalReader) Name() string              { return r.name }
func (r *LocalReader) PluginName() string        { return r.pluginName }
func (r *LocalReader) Capabilities() Capabilities { return r.capabilities }
func (r *LocalReader) IsRegistered() bool        { return r.registered }

// Driver returns the underlying driver handle, e.g. for a pool plugin that
// needs to hand the original SPI value back to ReleaseReader.
func (r *LocalReader) Driver() spi.ReaderSpi { return r.driver }

// Register marks the reader usable. Called by the owning plugin.
func (r *LocalReader) Register() { r.registered = true }

// Unregister marks the reader unusable and notifies the driver.
func (r *LocalReader) Unregister() {
	r.registered = false
	r.driver.OnUnregister()
}

func (r *LocalReader) checkStatus() error {
	if !r.registered {
		return core.IllegalStatef("reader %s is not or no longer registered", r.name)
	}
	return nil
}

// IsCardPresent queries the driver, lifting a driver I/O error into
// reader-communication failure.
func (r *LocalReader) IsCardPresent() (bool, error) {
	present, err := r.driver.CheckCardPresence()
	if err != nil {
		return false, core.ReaderCommunicationf(err, "failed to check card presence on reader %s", r.name)
	}
	return present, nil
}

// IsContactless reports the driver's contactless capability.
func (r *LocalReader) IsContactless() bool {
	return r.driver.IsContactless()
}

// ActivateProtocol records the reader-protocol -> application-protocol
// association and pushes it to the driver.
func (r *LocalReader) ActivateProtocol(readerProtocol, applicationProtocol string) error {
	if readerProtocol == "" {
		return core.IllegalArgumentf("readerProtocol must not be empty")
	}
	if !r.driver.IsProtocolSupported(readerProtocol) {
		return core.ProtocolNotSupportedf("protocol %s is not supported by reader %s", readerProtocol, r.name)
	}
	if err := r.driver.ActivateProtocol(readerProtocol, applicationProtocol); err != nil {
		return core.ProtocolNotSupportedf("driver rejected protocol %s on reader %s: %v", readerProtocol, r.name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocolAssociations[readerProtocol] = applicationProtocol
	return nil
}

// DeactivateProtocol removes a reader-protocol association and pushes the
// change to the driver.
func (r *LocalReader) DeactivateProtocol(readerProtocol string) error {
	if readerProtocol == "" {
		return core.IllegalArgumentf("readerProtocol must not be empty")
	}
	if err := r.driver.DeactivateProtocol(readerProtocol); err != nil {
		return core.ProtocolNotSupportedf("driver rejected deactivating protocol %s on reader %s: %v", readerProtocol, r.name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.protocolAssociations, readerProtocol)
	return nil
}

// ReleaseChannel closes the physical channel.
func (r *LocalReader) ReleaseChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.closePhysicalChannel(); err != nil {
		return core.NewReaderBrokenCommunicationError(err, nil, false, "failed to release channel on reader "+r.name)
	}
	return nil
}

// IsLogicalChannelOpen reports whether a selection has left the logical
// channel open.
func (r *LocalReader) IsLogicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logicalChannelOpen
}

func (r *LocalReader) openPhysicalChannelAndSetProtocol() error {
	if r.driver.IsPhysicalChannelOpen() {
		return nil
	}
	if err := r.driver.OpenPhysicalChannel(); err != nil {
		return err
	}
	for readerProtocol, appProtocol := range r.protocolAssociations {
		if r.driver.IsCurrentProtocol(readerProtocol) {
			r.currentProtocol = appProtocol
			return nil
		}
	}
	if r.useDefaultProtocol {
		r.currentProtocol = ""
	}
	return nil
}

func (r *LocalReader) closePhysicalChannel() error {
	r.logicalChannelOpen = false
	return r.driver.ClosePhysicalChannel()
}

// closeLogicalChannel closes only the logical channel, delegating to the
// driver's autonomous-selection close hook when the driver performs its own
// AID selection.
func (r *LocalReader) closeLogicalChannel() error {
	r.logicalChannelOpen = false
	if r.capabilities.AutonomousSelection != nil {
		return r.capabilities.AutonomousSelection.CloseLogicalChannel()
	}
	return nil
}

func (r *LocalReader) closeLogicalAndPhysicalChannelsSilently() {
	_ = r.closeLogicalChannel()
	_ = r.driver.ClosePhysicalChannel()
}

// processSelection applies selector's AID/protocol/power-on-data filters
// and, on an AID match attempt, transmits (or delegates, for autonomous
// drivers) a SELECT APPLICATION command. It is the per-request heart of
// the selection engine described in the component design. Caller must
// already hold mu.
func (r *LocalReader) processSelection(selector *core.CardSelector) (*core.SelectionStatus, error) {
	if selector.CardProtocol != "" {
		appProtocol, hasAssociation := r.protocolAssociations[selector.CardProtocol]
		if !hasAssociation {
			return nil, core.IllegalStatef("reader %s has no protocol association for %s", r.name, selector.CardProtocol)
		}
		if r.currentProtocol != appProtocol {
			return &core.SelectionStatus{PowerOnData: "", Matched: false}, nil
		}
	}

	powerOnData, err := r.driver.GetPowerOnData()
	if err != nil {
		return nil, err
	}

	matched, err := selector.CheckPowerOnData(powerOnData)
	if err != nil {
		return nil, err
	}
	if !matched {
		return &core.SelectionStatus{PowerOnData: powerOnData, Matched: false}, nil
	}

	if len(selector.AID) == 0 {
		r.logicalChannelOpen = true
		return &core.SelectionStatus{PowerOnData: powerOnData, Matched: true}, nil
	}

	return r.selectByAid(selector, powerOnData)
}

func (r *LocalReader) selectByAid(selector *core.CardSelector, powerOnData string) (*core.SelectionStatus, error) {
	p2 := selector.P2()

	if r.capabilities.AutonomousSelection != nil {
		fci, err := r.capabilities.AutonomousSelection.OpenChannelForAid(selector.AID, p2)
		if err != nil {
			return nil, err
		}
		resp := core.NewApduResponse(fci)
		matched := len(fci) >= 2 && selector.IsSuccessful(resp.StatusWord())
		r.logicalChannelOpen = matched
		return &core.SelectionStatus{PowerOnData: powerOnData, Fci: resp, Matched: matched}, nil
	}

	apdu := buildSelectApplicationApdu(selector.AID, p2)
	respBytes, err := r.processApduRequest(apdu)
	if err != nil {
		return nil, err
	}
	resp := core.NewApduResponse(respBytes)
	matched := resp.HasStatusWord() && selector.IsSuccessful(resp.StatusWord())
	r.logicalChannelOpen = matched

	logging.Debug(logging.CatSelection, "select application", map[string]any{
		"reader":  r.name,
		"aid":     hex.EncodeToString(selector.AID),
		"matched": matched,
	})

	return &core.SelectionStatus{PowerOnData: powerOnData, Fci: resp, Matched: matched}, nil
}

// buildSelectApplicationApdu builds the standard SELECT APPLICATION
// command: CLA=00 INS=A4 P1=04 P2=<p2> Lc=len(aid) <aid> Le=00.
func buildSelectApplicationApdu(aid []byte, p2 byte) []byte {
	apdu := make([]byte, 0, 6+len(aid))
	apdu = append(apdu, 0x00, 0xA4, 0x04, p2, byte(len(aid)))
	apdu = append(apdu, aid...)
	apdu = append(apdu, 0x00)
	return apdu
}

// processApduRequest transmits apdu through the driver and, if it is a
// case-4 command that came back with empty data and SW=9000, automatically
// issues a GET RESPONSE and returns that instead.
func (r *LocalReader) processApduRequest(apdu []byte) ([]byte, error) {
	resp, err := r.driver.TransmitApdu(apdu)
	if err != nil {
		return nil, err
	}

	req := &core.ApduRequest{Bytes: apdu}
	if req.IsCase4() && len(resp) == 2 {
		sw := core.NewApduResponse(resp).StatusWord()
		if sw == 0x9000 {
			return r.driver.TransmitApdu(getResponseApdu)
		}
	}
	return resp, nil
}

// ProcessCardSelectionRequests opens the physical channel if needed, then
// applies requests in order per multi, returning one CardSelectionResponse
// per request actually attempted.
func (r *LocalReader) ProcessCardSelectionRequests(
	requests []*core.SelectionRequest,
	multi core.MultiSelectionProcessing,
	channelControl core.ChannelControl,
) ([]*core.CardSelectionResponse, error) {
	if err := r.checkStatus(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.openPhysicalChannelAndSetProtocol(); err != nil {
		r.closeLogicalAndPhysicalChannelsSilently()
		return nil, core.NewReaderBrokenCommunicationError(err, nil, false, "failed to open physical channel on reader "+r.name)
	}

	var responses []*core.CardSelectionResponse
	var finalErr error

	for _, req := range requests {
		resp, err := r.processOneSelectionRequest(req)
		if resp != nil {
			responses = append(responses, resp)
		}
		if err != nil {
			finalErr = err
			break
		}

		if multi == core.MultiSelectionFirstMatch {
			if r.logicalChannelOpen {
				break
			}
		} else {
			_ = r.closeLogicalChannel()
		}
	}

	if channelControl == core.ChannelControlCloseAfter {
		_ = r.closePhysicalChannel()
	}

	logging.Debug(logging.CatSelection, "selection scenario processed", map[string]any{
		"reader":    r.name,
		"requests":  len(requests),
		"responses": len(responses),
		"failed":    finalErr != nil,
	})

	return responses, finalErr
}

func (r *LocalReader) processOneSelectionRequest(req *core.SelectionRequest) (*core.CardSelectionResponse, error) {
	status, err := r.processSelection(req.CardSelector)
	if err != nil {
		return nil, err
	}

	if !status.Matched || req.CardRequest == nil {
		return &core.CardSelectionResponse{SelectionStatus: status}, nil
	}

	cardResp, err := r.processCardRequest(req.CardRequest)
	if err != nil {
		return &core.CardSelectionResponse{SelectionStatus: status}, err
	}
	return &core.CardSelectionResponse{SelectionStatus: status, CardResponse: cardResp}, nil
}

// TransmitCardRequest runs an APDU chain against an already-selected
// application. Fails with illegal-state if unregistered.
func (r *LocalReader) TransmitCardRequest(request *core.CardRequest, channelControl core.ChannelControl) (*core.CardResponse, error) {
	if err := r.checkStatus(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resp, err := r.processCardRequest(request)

	if channelControl == core.ChannelControlCloseAfter {
		_ = r.closePhysicalChannel()
	}

	return resp, err
}

// processCardRequest is the APDU chain loop: collect responses, honoring
// stopOnUnsuccessfulStatusWord, translating driver I/O failures into the
// broken-communication taxonomy while preserving whatever was collected.
// Caller must already hold mu.
func (r *LocalReader) processCardRequest(request *core.CardRequest) (*core.CardResponse, error) {
	var apduResponses []*core.ApduResponse

	for i, apduReq := range request.ApduRequests {
		raw, err := r.processApduRequest(apduReq.Bytes)
		if err != nil {
			partial := &core.CardResponse{ApduResponses: apduResponses, LogicalChannelOpen: r.logicalChannelOpen}
			r.closeLogicalAndPhysicalChannelsSilently()
			fullyProcessed := i == len(request.ApduRequests)-1
			msg := "transport error while processing APDU " + apduReq.Label
			var cardErr *core.CardIOError
			if errors.As(err, &cardErr) {
				return partial, core.NewCardBrokenCommunicationError(err, partial, fullyProcessed, msg)
			}
			return partial, core.NewReaderBrokenCommunicationError(err, partial, fullyProcessed, msg)
		}

		resp := core.NewApduResponse(raw)
		apduResponses = append(apduResponses, resp)

		if request.StopOnUnsuccessfulStatusWord {
			successful := map[uint16]struct{}{0x9000: {}}
			if len(apduReq.SuccessfulStatusWords) > 0 {
				successful = apduReq.SuccessfulStatusWords
			}
			if _, ok := successful[resp.StatusWord()]; !ok {
				partial := &core.CardResponse{ApduResponses: apduResponses, LogicalChannelOpen: r.logicalChannelOpen}
				return partial, core.NewUnexpectedStatusWordError(partial, i == len(request.ApduRequests)-1, "unexpected status word for APDU "+apduReq.Label)
			}
		}
	}

	return &core.CardResponse{ApduResponses: apduResponses, LogicalChannelOpen: r.logicalChannelOpen}, nil
}
