package core

import "github.com/google/uuid"

// ReaderEventType enumerates the kinds of event an observable reader can
// post to its observers.
type ReaderEventType int

const (
	ReaderEventCardInserted ReaderEventType = iota
	ReaderEventCardMatched
	ReaderEventCardRemoved
	ReaderEventUnavailable
)

func (t ReaderEventType) String() string {
	switch t {
	case ReaderEventCardInserted:
		return "CARD_INSERTED"
	case ReaderEventCardMatched:
		return "CARD_MATCHED"
	case ReaderEventCardRemoved:
		return "CARD_REMOVED"
	case ReaderEventUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// ReaderEvent is posted by an observable reader to its observers on card
// insertion/match/removal and on unregistration.
type ReaderEvent struct {
	ID                          string
	PluginName                  string
	ReaderName                  string
	Type                        ReaderEventType
	ScheduledSelectionResponses []*CardSelectionResponse
}

// NewReaderEvent builds a ReaderEvent stamped with a fresh correlation ID.
func NewReaderEvent(pluginName, readerName string, t ReaderEventType, responses []*CardSelectionResponse) *ReaderEvent {
	return &ReaderEvent{
		ID:                          uuid.NewString(),
		PluginName:                  pluginName,
		ReaderName:                  readerName,
		Type:                        t,
		ScheduledSelectionResponses: responses,
	}
}

// PluginEventType enumerates the kinds of event an observable plugin can
// post to its observers.
type PluginEventType int

const (
	PluginEventReaderConnected PluginEventType = iota
	PluginEventReaderDisconnected
	PluginEventUnavailable
)

func (t PluginEventType) String() string {
	switch t {
	case PluginEventReaderConnected:
		return "READER_CONNECTED"
	case PluginEventReaderDisconnected:
		return "READER_DISCONNECTED"
	case PluginEventUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// PluginEvent is posted by an observable plugin to its observers when
// readers appear or disappear, or on unregistration.
type PluginEvent struct {
	ID          string
	PluginName  string
	ReaderNames []string
	Type        PluginEventType
}

// NewPluginEvent builds a PluginEvent stamped with a fresh correlation ID.
func NewPluginEvent(pluginName string, readerNames []string, t PluginEventType) *PluginEvent {
	return &PluginEvent{ID: uuid.NewString(), PluginName: pluginName, ReaderNames: readerNames, Type: t}
}
