package p2p

import (
	"encoding/json"
	"fmt"

	chanerrors "statechannels/core/errors"
)

// UnassignedSeqNo marks a message as the reply to a pending SendAndWait
// rather than a new protocol message.
const UnassignedSeqNo = -1

// ErrorPayload carries a counterparty's failure back to the waiting party.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is exchanged between parties during a protocol run. From and To
// are extended public keys.
type Message struct {
	ProcessID  string          `json:"processId"`
	Protocol   string          `json:"protocol"`
	Seq        int             `json:"seq"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Params     json.RawMessage `json:"params,omitempty"`
	CustomData json.RawMessage `json:"customData,omitempty"`
	Error      *ErrorPayload   `json:"error,omitempty"`
}

// IsReply reports whether msg answers a pending SendAndWait.
func (m *Message) IsReply() bool {
	return m.Seq == UnassignedSeqNo
}

// Decode unmarshals the custom data into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.CustomData) == 0 {
		return fmt.Errorf("%w: %s message %d carries no data", chanerrors.ErrInvalidParams, m.Protocol, m.Seq)
	}
	if err := json.Unmarshal(m.CustomData, v); err != nil {
		return fmt.Errorf("%w: decode %s message %d: %v", chanerrors.ErrInvalidParams, m.Protocol, m.Seq, err)
	}
	return nil
}

// NewMessage builds a protocol message carrying data.
func NewMessage(processID, protocol string, seq int, from, to string, params, data interface{}) (*Message, error) {
	msg := &Message{ProcessID: processID, Protocol: protocol, Seq: seq, From: from, To: to}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("p2p: encode params: %w", err)
		}
		msg.Params = raw
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("p2p: encode data: %w", err)
		}
		msg.CustomData = raw
	}
	return msg, nil
}

// Reply builds the answer to m.
func (m *Message) Reply(data interface{}) (*Message, error) {
	return NewMessage(m.ProcessID, m.Protocol, UnassignedSeqNo, m.To, m.From, nil, data)
}

// ErrorReply builds a reply that aborts the sender's wait with err.
func (m *Message) ErrorReply(err error) *Message {
	return &Message{
		ProcessID: m.ProcessID,
		Protocol:  m.Protocol,
		Seq:       UnassignedSeqNo,
		From:      m.To,
		To:        m.From,
		Error:     &ErrorPayload{Code: chanerrors.Code(err), Message: err.Error()},
	}
}

// RemoteError converts an error reply into a typed error, or nil.
func (m *Message) RemoteError() error {
	if m.Error == nil {
		return nil
	}
	return &chanerrors.RemoteError{From: m.From, Code: m.Error.Code, Message: m.Error.Message}
}
