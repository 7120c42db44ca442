// Package relaytest runs an in-process call relay for tests. It speaks the
// same JSON protocol as the production relay: users connect with a userId
// query parameter and the relay routes call control and negotiation messages
// between them.
package relaytest

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/google/uuid"
)

// call is one relay-side call record.
type call struct {
	id       string
	callerID string
	calleeID string
}

// other returns the party of the call that is not userID.
func (c *call) other(userID string) (string, bool) {
	switch userID {
	case c.callerID:
		return c.calleeID, true
	case c.calleeID:
		return c.callerID, true
	default:
		return "", false
	}
}

// inbound is a message read from a connection, tagged with its sender.
type inbound struct {
	from *conn
	msg  *signaling.Message
}

// hub owns all relay state. Every field is touched only by run.
type hub struct {
	conns map[string]*conn
	calls map[string]*call

	register   chan *conn
	unregister chan *conn
	messages   chan inbound
	queries    chan func()
	done       chan struct{}

	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		conns:      make(map[string]*conn),
		calls:      make(map[string]*call),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		messages:   make(chan inbound),
		queries:    make(chan func()),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// run is the single goroutine that manages connections and calls.
func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			if old, ok := h.conns[c.userID]; ok {
				h.logger.Debug("replacing connection", "user", c.userID)
				old.ws.Close()
			}
			h.conns[c.userID] = c
			h.logger.Debug("user online", "user", c.userID)

		case c := <-h.unregister:
			if h.conns[c.userID] == c {
				delete(h.conns, c.userID)
				h.endCallsOf(c.userID)
				h.logger.Debug("user offline", "user", c.userID)
			}
			close(c.send)

		case in := <-h.messages:
			h.route(in.from, in.msg)

		case fn := <-h.queries:
			fn()

		case <-h.done:
			for _, c := range h.conns {
				c.ws.Close()
			}
			return
		}
	}
}

// do runs fn on the hub goroutine and waits for it.
func (h *hub) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(finished) }:
	case <-h.done:
		return false
	}
	<-finished
	return true
}

func (h *hub) route(from *conn, msg *signaling.Message) {
	h.logger.Debug("routing", "type", msg.Type, "from", from.userID)

	switch msg.Type {
	case signaling.TypeCallRequest:
		h.handleCallRequest(from, msg)

	case signaling.TypeCallAccept:
		c, ok := h.calls[msg.CallID]
		if !ok || c.calleeID != from.userID {
			h.sendError(from.userID, msg.CallID, "call not found")
			return
		}
		h.deliver(c.callerID, &signaling.Message{Type: signaling.TypeCallAccepted, CallID: c.id})

	case signaling.TypeCallReject:
		h.closeCall(from.userID, msg.CallID, signaling.TypeCallRejected)

	case signaling.TypeCallEnd:
		h.closeCall(from.userID, msg.CallID, signaling.TypeCallEnded)

	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		if _, ok := h.conns[msg.TargetID]; !ok {
			h.sendError(from.userID, msg.CallID, fmt.Sprintf("user %s is not online", msg.TargetID))
			return
		}
		fwd := *msg
		fwd.SenderID = from.userID
		h.deliver(msg.TargetID, &fwd)

	default:
		h.sendError(from.userID, msg.CallID, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (h *hub) handleCallRequest(from *conn, msg *signaling.Message) {
	if msg.TargetID == from.userID {
		h.sendError(from.userID, "", "cannot call yourself")
		return
	}
	if _, ok := h.conns[msg.TargetID]; !ok {
		h.sendError(from.userID, "", fmt.Sprintf("user %s is not online", msg.TargetID))
		return
	}

	c := &call{id: uuid.NewString(), callerID: from.userID, calleeID: msg.TargetID}
	h.calls[c.id] = c

	h.deliver(c.calleeID, &signaling.Message{
		Type:       signaling.TypeIncomingCall,
		CallID:     c.id,
		CallerID:   c.callerID,
		CallerName: msg.CallerName,
		CallType:   msg.CallType,
	})
	h.deliver(c.callerID, &signaling.Message{Type: signaling.TypeCallRinging, CallID: c.id})
}

// closeCall removes the call and tells the other party with notifyType.
// Unknown calls are ignored; either side may race the other to hang up.
func (h *hub) closeCall(userID, callID, notifyType string) {
	c, ok := h.calls[callID]
	if !ok {
		return
	}
	peerID, ok := c.other(userID)
	if !ok {
		return
	}
	delete(h.calls, callID)
	h.deliver(peerID, &signaling.Message{Type: notifyType, CallID: callID})
}

// endCallsOf ends every call the user takes part in.
func (h *hub) endCallsOf(userID string) {
	for id, c := range h.calls {
		if peerID, ok := c.other(userID); ok {
			delete(h.calls, id)
			h.deliver(peerID, &signaling.Message{Type: signaling.TypeCallEnded, CallID: id})
		}
	}
}

func (h *hub) sendError(userID, callID, text string) {
	h.deliver(userID, &signaling.Message{Type: signaling.TypeCallError, CallID: callID, Message: text})
}

func (h *hub) deliver(userID string, msg *signaling.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal failed", "type", msg.Type, "error", err)
		return false
	}
	return h.deliverRaw(userID, data)
}

func (h *hub) deliverRaw(userID string, data []byte) bool {
	c, ok := h.conns[userID]
	if !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.logger.Warn("send buffer full, dropping", "user", userID)
		return false
	}
}
