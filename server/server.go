package server

import (
	"bufio"
	"errors"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/graph"
	"chatrelay/outgoing"
	"chatrelay/presence"
	"chatrelay/protocol"
	"chatrelay/responder"
)

type Config struct {
	ReadTimeout  time.Duration // zero disables idle read deadlines
	WriteTimeout time.Duration
}

// Server accepts client connections and drives each through the
// Unauthenticated -> Authenticated -> Closed state machine, wiring the
// authorization graph, the presence table and the outgoing queue together.
type Server struct {
	graph     *graph.Graph
	presence  *presence.Table
	queue     *outgoing.Queue
	responder responder.Responder
	config    *Config

	// Tracks in-flight responder queries so Shutdown can wait for replies
	// that still have to be queued.
	pending sync.WaitGroup
}

func New(cfg *Config, g *graph.Graph, table *presence.Table, queue *outgoing.Queue, r responder.Responder) *Server {
	return &Server{
		graph:     g,
		presence:  table,
		queue:     queue,
		responder: r,
		config:    cfg,
	}
}

// Serve runs the accept loop on an already-bound listener. It returns once
// the listener is closed; individual connection failures never stop it.
func (s *Server) Serve(listener net.Listener) error {
	log.Printf("Relay listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// conn serializes frame writes so responder replies, drained messages and
// live deliveries cannot interleave on one transport.
type conn struct {
	net.Conn
	mu sync.Mutex
}

func (c *conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.Write(p)
}

// handleConnection owns one client connection for its whole lifetime.
func (s *Server) handleConnection(raw net.Conn) {
	c := &conn{Conn: raw}
	defer c.Close()

	remoteAddr := "unknown"
	if addr := raw.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}
	log.Printf("New client connected from %s", remoteAddr)

	reader := bufio.NewReader(raw)

	username, sessionID := s.authenticate(c, reader, remoteAddr)
	if username == "" {
		log.Printf("Client from %s closed before authenticating", remoteAddr)
		return
	}

	// Any exit path below logs the account out exactly once; Logout is
	// idempotent so the explicit logout paths and this defer cannot race
	// into a double removal.
	defer func() {
		s.presence.Logout(username)
		log.Printf("%s[%s] logged out (%s)", username, sessionID, remoteAddr)
	}()

	// Deliver what queued up while the account was offline before reading
	// any new client input.
	s.drainPending(username)

	s.chatLoop(c, reader, username, sessionID)
}

// readMessage reads one framed message, applying the configured idle
// deadline if any.
func (s *Server) readMessage(c *conn, reader *bufio.Reader) (protocol.Message, error) {
	if s.config.ReadTimeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	return protocol.Read(reader)
}

func (s *Server) writeMessage(w presence.Transport, m protocol.Message) error {
	if s.config.WriteTimeout > 0 {
		if d, ok := w.(interface{ SetWriteDeadline(time.Time) error }); ok {
			d.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
	}
	return protocol.Write(w, m)
}

// respond sends a relay-originated message straight to the connection.
// Auth responses go this way because the account is not (yet) present in
// the table, so delivery-by-lookup cannot reach it.
func (s *Server) respond(c *conn, recipient, content string, status protocol.Status, session string) error {
	response := &protocol.ServerMessage{
		Header: protocol.Header{
			Sender:    protocol.ServerName,
			Recipient: recipient,
			Timestamp: time.Now().UTC(),
		},
		Content: content,
		Status:  status,
		Session: session,
	}
	return s.writeMessage(c, response)
}

// attemptDelivery tries a live delivery to the message's recipient and
// falls back to the outgoing queue when enqueue is set. Delivery failures
// are never surfaced to the sender.
func (s *Server) attemptDelivery(m protocol.Message, enqueue bool) bool {
	recipient := m.Head().Recipient

	if transport, online := s.presence.Transport(recipient); online {
		if err := s.writeMessage(transport, m); err == nil {
			log.Print(protocol.Render(m))
			return true
		} else {
			log.Printf("Delivery to %s failed: %v", recipient, err)
		}
	}

	if enqueue {
		s.queue.Enqueue(m)
	}
	return false
}

// drainPending replays the recipient's buffered messages oldest first. A
// message that fails to deliver goes back on the queue.
func (s *Server) drainPending(username string) {
	delivered := 0
	for {
		m, ok := s.queue.Pop(username)
		if !ok {
			break
		}
		if !s.attemptDelivery(m, true) {
			break
		}
		delivered++
	}
	if delivered > 0 {
		log.Printf("Delivered %d buffered messages to %s", delivered, username)
	}
}

// Stats returns relay statistics as a formatted string.
func (s *Server) Stats() string {
	sessions := s.presence.Sessions()

	users := make([]string, 0, len(sessions))
	for _, session := range sessions {
		users = append(users, session.Name)
	}

	return "connections=" + strconv.Itoa(len(sessions)) + ",users=" + strings.Join(users, ";")
}

// Shutdown notifies every connected client with an informational message,
// closes their transports and clears the presence table. It waits for
// in-flight responder queries first so their replies land in the queue
// instead of racing the teardown.
func (s *Server) Shutdown(reason string) {
	s.pending.Wait()

	for _, session := range s.presence.Sessions() {
		notice := &protocol.ServerMessage{
			Header: protocol.Header{
				Sender:    protocol.ServerName,
				Recipient: session.Name,
				Timestamp: time.Now().UTC(),
			},
			Content: "Server is shutting down: " + reason,
			Status:  protocol.StatusNone,
			Session: session.ID,
		}
		if err := s.writeMessage(session.Transport, notice); err != nil {
			log.Printf("Failed to notify %s of shutdown: %v", session.Name, err)
		}
		session.Transport.Close()
		s.presence.Logout(session.Name)
	}
}
