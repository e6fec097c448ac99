package events

import "encoding/json"

// Kind names a node milestone. The set is closed: every kind has exactly
// one payload type in this package.
type Kind string

const (
	KindChannelCreated      Kind = "CREATE_CHANNEL_EVENT"
	KindProposeInstall      Kind = "PROPOSE_INSTALL_EVENT"
	KindInstall             Kind = "INSTALL_EVENT"
	KindInstallVirtual      Kind = "INSTALL_VIRTUAL_EVENT"
	KindUpdateState         Kind = "UPDATE_STATE_EVENT"
	KindUninstall           Kind = "UNINSTALL_EVENT"
	KindUninstallVirtual    Kind = "UNINSTALL_VIRTUAL_EVENT"
	KindRejectInstall       Kind = "REJECT_INSTALL_EVENT"
	KindDepositStarted      Kind = "DEPOSIT_STARTED_EVENT"
	KindDepositConfirmed    Kind = "DEPOSIT_CONFIRMED_EVENT"
	KindWithdrawalStarted   Kind = "WITHDRAWAL_STARTED_EVENT"
	KindWithdrawalConfirmed Kind = "WITHDRAWAL_CONFIRMED_EVENT"
)

var kinds = []Kind{
	KindChannelCreated,
	KindProposeInstall,
	KindInstall,
	KindInstallVirtual,
	KindUpdateState,
	KindUninstall,
	KindUninstallVirtual,
	KindRejectInstall,
	KindDepositStarted,
	KindDepositConfirmed,
	KindWithdrawalStarted,
	KindWithdrawalConfirmed,
}

// Kinds lists every event kind.
func Kinds() []Kind { return append([]Kind{}, kinds...) }

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is implemented by the data type of every kind. The unexported
// method keeps the union closed to this package.
type Payload interface {
	EventType() Kind
	payload()
}

// Event is one milestone as seen by a node. From is the identifier of the
// party whose action caused it.
type Event struct {
	From string  `json:"from"`
	Type Kind    `json:"type"`
	Data Payload `json:"data"`
}

// New builds an event whose type follows from the payload.
func New(from string, data Payload) Event {
	return Event{From: from, Type: data.EventType(), Data: data}
}

// EventType returns the event kind.
func (e Event) EventType() Kind { return e.Type }

// UnmarshalJSON decodes data into the payload type selected by type.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var wire struct {
		From string          `json:"from"`
		Type Kind            `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	data, err := decodePayload(wire.Type, wire.Data)
	if err != nil {
		return err
	}
	e.From = wire.From
	e.Type = wire.Type
	e.Data = data
	return nil
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC clients).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }
