package reader

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/SimplyPrint/nfc-agent/internal/core"
)

// mockReaderDriver is a command-hex-keyed ReaderSpi double, in the style of
// the teacher's MockSmartCard: Transmit looks commands up by their exact hex
// encoding, falling back to a default response.
type mockReaderDriver struct {
	name        string
	powerOnData string
	defaultResp []byte
	responses   map[string][]byte
	transmitErr error

	physicalChannelOpen bool
	transmitted         [][]byte
}

func newMockReaderDriver(name, powerOnData string) *mockReaderDriver {
	return &mockReaderDriver{
		name:        name,
		powerOnData: powerOnData,
		defaultResp: []byte{0x6D, 0x00},
		responses:   make(map[string][]byte),
	}
}

func (m *mockReaderDriver) withResponse(cmdHex string, resp []byte) *mockReaderDriver {
	m.responses[cmdHex] = resp
	return m
}

func (m *mockReaderDriver) GetName() string { return m.name }

func (m *mockReaderDriver) OpenPhysicalChannel() error {
	m.physicalChannelOpen = true
	return nil
}
func (m *mockReaderDriver) ClosePhysicalChannel() error {
	m.physicalChannelOpen = false
	return nil
}
func (m *mockReaderDriver) IsPhysicalChannelOpen() bool      { return m.physicalChannelOpen }
func (m *mockReaderDriver) CheckCardPresence() (bool, error) { return true, nil }
func (m *mockReaderDriver) GetPowerOnData() (string, error)  { return m.powerOnData, nil }

func (m *mockReaderDriver) TransmitApdu(apdu []byte) ([]byte, error) {
	m.transmitted = append(m.transmitted, append([]byte(nil), apdu...))
	if m.transmitErr != nil {
		return nil, m.transmitErr
	}
	if resp, ok := m.responses[hex.EncodeToString(apdu)]; ok {
		return resp, nil
	}
	return m.defaultResp, nil
}

func (m *mockReaderDriver) IsContactless() bool                            { return false }
func (m *mockReaderDriver) IsProtocolSupported(readerProtocol string) bool { return true }
func (m *mockReaderDriver) IsCurrentProtocol(readerProtocol string) bool   { return true }
func (m *mockReaderDriver) ActivateProtocol(readerProtocol, applicationProtocol string) error {
	return nil
}
func (m *mockReaderDriver) DeactivateProtocol(readerProtocol string) error { return nil }
func (m *mockReaderDriver) OnUnregister()                                 {}

func newRegisteredReader(driver *mockReaderDriver) *LocalReader {
	r := NewLocalReader("plugin", driver)
	r.Register()
	return r
}

func singleSelectionScenario(selector *core.CardSelector) []*core.SelectionRequest {
	return []*core.SelectionRequest{{CardSelector: selector}}
}

// Scenario 1 from the component design: a permissive selector against a
// driver that returns fixed power-on data and 6D00 for any APDU.
func TestSelectionPermissiveSelector(t *testing.T) {
	driver := newMockReaderDriver("r0", "12345678")
	r := newRegisteredReader(driver)

	selector := core.NewCardSelector()
	responses, err := r.ProcessCardSelectionRequests(singleSelectionScenario(selector), core.MultiSelectionFirstMatch, core.ChannelControlKeepOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	status := responses[0].SelectionStatus
	if status.PowerOnData != "12345678" || !status.Matched {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !r.IsLogicalChannelOpen() {
		t.Fatal("expected the logical channel to be left open on a matching selection")
	}
}

// Scenario 2: a power-on-data regex that never matches.
func TestSelectionNonMatchingRegex(t *testing.T) {
	driver := newMockReaderDriver("r0", "12345678")
	r := newRegisteredReader(driver)

	selector := core.NewCardSelector()
	selector.PowerOnDataRegex = "FAILINGREGEX"

	responses, err := r.ProcessCardSelectionRequests(singleSelectionScenario(selector), core.MultiSelectionFirstMatch, core.ChannelControlKeepOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	status := responses[0].SelectionStatus
	if status.PowerOnData != "12345678" || status.Matched {
		t.Fatalf("unexpected status: %+v", status)
	}
	if r.IsLogicalChannelOpen() {
		t.Fatal("expected the logical channel to be closed after a non-matching selection")
	}
}

// Scenario 3: AID selection success, checking the exact SELECT APPLICATION
// bytes transmitted (CLA=00 INS=A4 P1=04 P2=00 Lc=05 <aid> Le=00).
func TestSelectionAidSuccess(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	driver.defaultResp = []byte{0x12, 0x34, 0x56, 0x78, 0x90, 0x00}
	r := newRegisteredReader(driver)

	aid := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	selector := core.NewCardSelector()
	selector.AID = aid
	selector.FileOccurrence = core.FileOccurrenceFirst
	selector.FileControlInformation = core.FileControlInformationFCI

	responses, err := r.ProcessCardSelectionRequests(singleSelectionScenario(selector), core.MultiSelectionFirstMatch, core.ChannelControlKeepOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status := responses[0].SelectionStatus
	if !status.Matched {
		t.Fatalf("expected a match, got %+v", status)
	}
	if got := status.Fci.Bytes; hex.EncodeToString(got) != "123456789000" {
		t.Fatalf("unexpected FCI: %x", got)
	}
	if !r.IsLogicalChannelOpen() {
		t.Fatal("expected the logical channel to be open after a successful AID select")
	}

	if len(driver.transmitted) != 1 {
		t.Fatalf("expected exactly one APDU transmitted, got %d", len(driver.transmitted))
	}
	want := append([]byte{0x00, 0xA4, 0x04, 0x00, 0x05}, aid...)
	want = append(want, 0x00)
	if hex.EncodeToString(driver.transmitted[0]) != hex.EncodeToString(want) {
		t.Fatalf("unexpected SELECT APDU: got %x want %x", driver.transmitted[0], want)
	}
}

// Scenario 4: a select that comes back with a status word outside the
// default successful set (9000) is not a match.
func TestSelectionAidInvalidatedNotInSuccessfulSet(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	driver.defaultResp = []byte{0x12, 0x34, 0x56, 0x78, 0x62, 0x83}
	r := newRegisteredReader(driver)

	selector := core.NewCardSelector()
	selector.AID = []byte{0x11, 0x22, 0x33, 0x44, 0x55}

	responses, err := r.ProcessCardSelectionRequests(singleSelectionScenario(selector), core.MultiSelectionFirstMatch, core.ChannelControlKeepOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if responses[0].SelectionStatus.Matched {
		t.Fatal("expected no match for SW=6283 against the default successful set")
	}
	if r.IsLogicalChannelOpen() {
		t.Fatal("expected the logical channel to be closed")
	}
}

// Scenario 5: the same response, but 6283 has been added to the selector's
// successful-status-word set.
func TestSelectionAidInvalidatedAccepted(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	driver.defaultResp = []byte{0x12, 0x34, 0x56, 0x78, 0x62, 0x83}
	r := newRegisteredReader(driver)

	selector := core.NewCardSelector()
	selector.AID = []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	selector.SuccessfulStatusWords = map[uint16]struct{}{0x9000: {}, 0x6283: {}}

	responses, err := r.ProcessCardSelectionRequests(singleSelectionScenario(selector), core.MultiSelectionFirstMatch, core.ChannelControlKeepOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !responses[0].SelectionStatus.Matched {
		t.Fatal("expected a match once 6283 is in the successful set")
	}
	if !r.IsLogicalChannelOpen() {
		t.Fatal("expected the logical channel to be open")
	}
}

// A protocol filter naming a protocol the reader has no association for is
// an illegal-state error, per the component design's step 1.
func TestSelectionProtocolFilterWithNoAssociationFails(t *testing.T) {
	driver := newMockReaderDriver("r0", "12345678")
	r := newRegisteredReader(driver)

	selector := core.NewCardSelector()
	selector.CardProtocol = "ISO_14443_4"

	_, err := r.ProcessCardSelectionRequests(singleSelectionScenario(selector), core.MultiSelectionFirstMatch, core.ChannelControlKeepOpen)
	if !core.IsKind(err, core.KindIllegalState) {
		t.Fatalf("expected illegal-state, got %v", err)
	}
}

// A case-4 APDU (Lc>0, Le present) that comes back empty with SW=9000
// triggers exactly one automatic GET RESPONSE retry.
func TestCase4GetResponseRetry(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	r := newRegisteredReader(driver)

	caseFourApdu := []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xAB, 0xCD, 0x00}
	driver.withResponse(hex.EncodeToString(caseFourApdu), []byte{0x90, 0x00})
	driver.withResponse("00c0000000", []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x90, 0x00})

	request := &core.CardRequest{ApduRequests: []*core.ApduRequest{{Label: "custom", Bytes: caseFourApdu}}}
	resp, err := r.TransmitCardRequest(request, core.ChannelControlKeepOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ApduResponses) != 1 {
		t.Fatalf("expected one response (the GET RESPONSE substituted in), got %d", len(resp.ApduResponses))
	}
	if hex.EncodeToString(resp.ApduResponses[0].Bytes) != "deadbeef9000" {
		t.Fatalf("expected the GET RESPONSE result substituted in, got %x", resp.ApduResponses[0].Bytes)
	}
	if len(driver.transmitted) != 2 {
		t.Fatalf("expected exactly 2 APDUs transmitted (original + one GET RESPONSE), got %d", len(driver.transmitted))
	}
	if hex.EncodeToString(driver.transmitted[1]) != "00c0000000" {
		t.Fatalf("expected the second APDU to be GET RESPONSE, got %x", driver.transmitted[1])
	}
}

// A card request with stopOnUnsuccessfulStatusWord stops the chain at the
// first unsuccessful response and reports it wasn't fully processed.
func TestTransmitCardRequestStopsOnUnsuccessfulStatusWord(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	r := newRegisteredReader(driver)

	apdu1 := []byte{0x00, 0xB0, 0x00, 0x00, 0x00}
	apdu2 := []byte{0x00, 0xB0, 0x00, 0x01, 0x00}
	driver.withResponse(hex.EncodeToString(apdu1), []byte{0x6A, 0x82}) // file not found

	request := &core.CardRequest{
		StopOnUnsuccessfulStatusWord: true,
		ApduRequests: []*core.ApduRequest{
			{Label: "read-1", Bytes: apdu1},
			{Label: "read-2", Bytes: apdu2},
		},
	}

	_, err := r.TransmitCardRequest(request, core.ChannelControlKeepOpen)
	if !core.IsKind(err, core.KindUnexpectedStatusWord) {
		t.Fatalf("expected unexpected-status-word error, got %v", err)
	}
	var swErr *core.UnexpectedStatusWordError
	if !errors.As(err, &swErr) {
		t.Fatalf("expected *core.UnexpectedStatusWordError, got %T", err)
	}
	if len(swErr.PartialResponse.ApduResponses) != 1 {
		t.Fatalf("expected one partial response collected before stopping, got %d", len(swErr.PartialResponse.ApduResponses))
	}
	if swErr.FullyProcessed {
		t.Fatal("expected fullyProcessed=false: the chain stopped before apdu2")
	}
	if len(driver.transmitted) != 1 {
		t.Fatalf("expected the chain to stop after the first APDU, got %d transmitted", len(driver.transmitted))
	}
}

// A transport-level error during an APDU chain closes both channels and is
// reported as reader-broken-communication, carrying the partial response.
func TestTransmitCardRequestReaderIOErrorClosesChannels(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	driver.OpenPhysicalChannel()
	r := newRegisteredReader(driver)

	driver.transmitErr = &core.ReaderIOError{Cause: errors.New("usb disconnected")}

	request := &core.CardRequest{ApduRequests: []*core.ApduRequest{{Label: "probe", Bytes: []byte{0x00, 0xB0, 0x00, 0x00, 0x00}}}}
	_, err := r.TransmitCardRequest(request, core.ChannelControlKeepOpen)

	if !core.IsKind(err, core.KindReaderBrokenCommunication) {
		t.Fatalf("expected reader-broken-communication, got %v", err)
	}
	if driver.IsPhysicalChannelOpen() {
		t.Fatal("expected the physical channel to be closed after a reader I/O error")
	}
}

// A card-level error during an APDU chain is reported as
// card-broken-communication rather than reader-broken-communication.
func TestTransmitCardRequestCardIOError(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	r := newRegisteredReader(driver)
	driver.transmitErr = &core.CardIOError{Cause: errors.New("card removed")}

	request := &core.CardRequest{ApduRequests: []*core.ApduRequest{{Label: "probe", Bytes: []byte{0x00, 0xB0, 0x00, 0x00, 0x00}}}}
	_, err := r.TransmitCardRequest(request, core.ChannelControlKeepOpen)

	if !core.IsKind(err, core.KindCardBrokenCommunication) {
		t.Fatalf("expected card-broken-communication, got %v", err)
	}
}

// With FIRST_MATCH processing, a scenario with multiple selection requests
// stops at the first match: |responses| = i+1 per the testable property.
func TestMultiSelectionFirstMatchStopsAtFirstMatch(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	driver.defaultResp = []byte{0x90, 0x00}
	r := newRegisteredReader(driver)

	nonMatching := core.NewCardSelector()
	nonMatching.AID = []byte{0x01}
	nonMatching.SuccessfulStatusWords = map[uint16]struct{}{0x6A82: {}} // never satisfied by 9000

	matching := core.NewCardSelector()
	matching.AID = []byte{0x02}

	thirdNeverReached := core.NewCardSelector()
	thirdNeverReached.AID = []byte{0x03}

	requests := []*core.SelectionRequest{
		{CardSelector: nonMatching},
		{CardSelector: matching},
		{CardSelector: thirdNeverReached},
	}

	responses, err := r.ProcessCardSelectionRequests(requests, core.MultiSelectionFirstMatch, core.ChannelControlKeepOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected exactly 2 responses (stop at the matching one), got %d", len(responses))
	}
	if responses[0].HasMatched() {
		t.Fatal("expected the first selector not to match")
	}
	if !responses[1].HasMatched() {
		t.Fatal("expected the second selector to match")
	}
}

// With PROCESS_ALL, every request in the scenario runs even after a match.
func TestMultiSelectionProcessAllRunsEveryRequest(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	driver.defaultResp = []byte{0x90, 0x00}
	r := newRegisteredReader(driver)

	requests := []*core.SelectionRequest{
		{CardSelector: &core.CardSelector{AID: []byte{0x01}, SuccessfulStatusWords: core.DefaultSuccessfulStatusWords()}},
		{CardSelector: &core.CardSelector{AID: []byte{0x02}, SuccessfulStatusWords: core.DefaultSuccessfulStatusWords()}},
	}

	responses, err := r.ProcessCardSelectionRequests(requests, core.MultiSelectionProcessAll, core.ChannelControlCloseAfter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected both requests to run under PROCESS_ALL, got %d responses", len(responses))
	}
	if driver.IsPhysicalChannelOpen() {
		t.Fatal("expected CLOSE_AFTER to release the physical channel")
	}
}

func TestTransmitCardRequestFailsWhenUnregistered(t *testing.T) {
	driver := newMockReaderDriver("r0", "")
	r := NewLocalReader("plugin", driver) // never Register()d

	_, err := r.TransmitCardRequest(&core.CardRequest{}, core.ChannelControlKeepOpen)
	if !core.IsKind(err, core.KindIllegalState) {
		t.Fatalf("expected illegal-state for an unregistered reader, got %v", err)
	}
}
