package relaytest

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is a running relay bound to a loopback port.
type Server struct {
	hub       *hub
	http      *httptest.Server
	closeOnce sync.Once
}

// NewServer starts a relay. Callers must Close it.
func NewServer() *Server {
	return NewServerWithLogger(slog.Default())
}

func NewServerWithLogger(logger *slog.Logger) *Server {
	h := newHub(logger.With("component", "relay"))
	go h.run()

	s := &Server{hub: h}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("relay is healthy"))
	})
	mux.HandleFunc("/ws", s.serveWs)
	s.http = httptest.NewServer(mux)
	return s
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.logger.Debug("upgrade failed", "error", err)
		return
	}

	c := &conn{hub: s.hub, userID: userID, ws: ws, send: make(chan []byte, 256)}
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// URL returns the websocket endpoint, without the userId parameter.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Online reports whether userID has an open connection.
func (s *Server) Online(userID string) bool {
	var ok bool
	s.hub.do(func() { _, ok = s.hub.conns[userID] })
	return ok
}

// Calls returns the number of calls the relay is tracking.
func (s *Server) Calls() int {
	var n int
	s.hub.do(func() { n = len(s.hub.calls) })
	return n
}

// Kick drops userID's connection as if the network failed.
func (s *Server) Kick(userID string) bool {
	var ok bool
	s.hub.do(func() {
		var c *conn
		if c, ok = s.hub.conns[userID]; ok {
			c.ws.Close()
		}
	})
	return ok
}

// Deliver pushes msg to userID as if the relay had produced it.
func (s *Server) Deliver(userID string, msg *signaling.Message) bool {
	var ok bool
	s.hub.do(func() { ok = s.hub.deliver(userID, msg) })
	return ok
}

// DeliverRaw pushes an arbitrary text frame to userID.
func (s *Server) DeliverRaw(userID string, data []byte) bool {
	var ok bool
	s.hub.do(func() { ok = s.hub.deliverRaw(userID, data) })
	return ok
}

// Close disconnects every user and stops the relay.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.hub.done)
		s.http.CloseClientConnections()
		s.http.Close()
	})
}
