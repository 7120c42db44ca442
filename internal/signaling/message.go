package signaling

import (
	"encoding/json"
	"fmt"
)

// Message is one JSON object exchanged with the relay. Which fields are set
// depends on Type; see Validate.
type Message struct {
	Type       string          `json:"type"`
	CallID     string          `json:"callId,omitempty"`
	TargetID   string          `json:"targetId,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	CallerID   string          `json:"callerId,omitempty"`
	CallerName string          `json:"callerName,omitempty"`
	CallType   string          `json:"callType,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Outbound message types (client to relay).
const (
	TypeCallRequest = "call-request"
	TypeCallAccept  = "call-accept"
	TypeCallReject  = "call-reject"
	TypeCallEnd     = "call-end"
)

// Inbound message types (relay to client).
const (
	TypeIncomingCall = "incoming-call"
	TypeCallRinging  = "call-ringing"
	TypeCallAccepted = "call-accepted"
	TypeCallRejected = "call-rejected"
	TypeCallEnded    = "call-ended"
	TypeCallError    = "call-error"
)

// Negotiation messages travel in both directions. The relay adds SenderID
// when forwarding.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// NewCallRequest asks the relay to ring targetID.
func NewCallRequest(targetID, callerName, callType string) *Message {
	return &Message{Type: TypeCallRequest, TargetID: targetID, CallerName: callerName, CallType: callType}
}

func NewCallAccept(callID string) *Message {
	return &Message{Type: TypeCallAccept, CallID: callID}
}

func NewCallReject(callID string) *Message {
	return &Message{Type: TypeCallReject, CallID: callID}
}

func NewCallEnd(callID string) *Message {
	return &Message{Type: TypeCallEnd, CallID: callID}
}

func NewOffer(targetID, sdp string) *Message {
	return &Message{Type: TypeOffer, TargetID: targetID, SDP: sdp}
}

func NewAnswer(targetID, sdp string) *Message {
	return &Message{Type: TypeAnswer, TargetID: targetID, SDP: sdp}
}

// NewICECandidate marshals candidate into the message's candidate field.
func NewICECandidate(targetID string, candidate any) (*Message, error) {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("marshal candidate: %w", err)
	}
	return &Message{Type: TypeICECandidate, TargetID: targetID, Candidate: raw}, nil
}

// DecodeCandidate unmarshals the candidate field into v.
func (m *Message) DecodeCandidate(v any) error {
	if len(m.Candidate) == 0 {
		return fmt.Errorf("%s: missing candidate", m.Type)
	}
	return json.Unmarshal(m.Candidate, v)
}

// Validate checks that the fields required by the message's type are present.
// Unknown types are reported so the receiver can log and drop them.
func (m *Message) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%s: missing %s", m.Type, field)
	}

	switch m.Type {
	case TypeCallRequest:
		if m.TargetID == "" {
			return missing("targetId")
		}
		if m.CallType == "" {
			return missing("callType")
		}
	case TypeIncomingCall:
		if m.CallID == "" {
			return missing("callId")
		}
		if m.CallerID == "" {
			return missing("callerId")
		}
	case TypeCallAccept, TypeCallReject, TypeCallEnd,
		TypeCallRinging, TypeCallAccepted, TypeCallRejected, TypeCallEnded:
		if m.CallID == "" {
			return missing("callId")
		}
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return missing("sdp")
		}
	case TypeICECandidate:
		if len(m.Candidate) == 0 {
			return missing("candidate")
		}
	case TypeCallError:
	case "":
		return fmt.Errorf("message without type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// EventKind distinguishes relay messages from connection state changes on
// the client's event stream.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnected
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item of the client's ordered event stream. Message is set only
// for EventMessage.
type Event struct {
	Kind    EventKind
	Message *Message
}
