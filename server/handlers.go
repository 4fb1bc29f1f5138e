package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"chatrelay/protocol"
)

// authenticate drives the Unauthenticated state: only register and login
// requests are accepted, anything else closes the connection. It returns
// the account name and session tag once a request succeeds, or "" when the
// connection is done.
func (s *Server) authenticate(c *conn, reader *bufio.Reader, remoteAddr string) (string, string) {
	for {
		m, err := s.readMessage(c, reader)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				log.Printf("Protocol error from %s: %v", remoteAddr, err)
			} else if err != io.EOF {
				log.Printf("Read error from %s: %v", remoteAddr, err)
			}
			return "", ""
		}
		log.Print(protocol.Render(m))

		switch req := m.(type) {
		case *protocol.RegisterRequest:
			if username, sessionID := s.handleRegister(c, req); username != "" {
				return username, sessionID
			}
		case *protocol.LoginRequest:
			if username, sessionID := s.handleLogin(c, req); username != "" {
				return username, sessionID
			}
		default:
			// Chat messages before authentication are a protocol violation.
			log.Printf("Unexpected %T from unauthenticated client %s", m, remoteAddr)
			return "", ""
		}
	}
}

func (s *Server) handleRegister(c *conn, req *protocol.RegisterRequest) (string, string) {
	created, err := s.graph.CreateAccount(req.Sender, req.Secret)
	if err != nil {
		log.Printf("Register error for %s: %v", req.Sender, err)
		s.respond(c, req.Sender, "Registration failed, try again.", protocol.StatusFailure, "")
		return "", ""
	}
	if !created {
		s.respond(c, req.Sender, fmt.Sprintf("Username %s is taken. Try another one.", req.Sender), protocol.StatusFailure, "")
		return "", ""
	}

	sessionID, ok := s.presence.Login(req.Sender, c)
	if !ok {
		// The account was created; this connection just does not get to
		// use it while another session holds it.
		s.respond(c, req.Sender, singleSessionText(req.Sender), protocol.StatusFailure, "")
		return "", ""
	}

	s.respond(c, req.Sender, fmt.Sprintf("New username %s registered and logged in.", req.Sender), protocol.StatusSuccess, sessionID)
	return req.Sender, sessionID
}

func (s *Server) handleLogin(c *conn, req *protocol.LoginRequest) (string, string) {
	verified, err := s.graph.VerifyCredential(req.Sender, req.Secret)
	if err != nil {
		log.Printf("Login error for %s: %v", req.Sender, err)
		s.respond(c, req.Sender, "Login failed, try again.", protocol.StatusFailure, "")
		return "", ""
	}
	if !verified {
		s.respond(c, req.Sender, "Incorrect username or password.", protocol.StatusFailure, "")
		return "", ""
	}

	sessionID, ok := s.presence.Login(req.Sender, c)
	if !ok {
		s.respond(c, req.Sender, singleSessionText(req.Sender), protocol.StatusFailure, "")
		return "", ""
	}

	s.respond(c, req.Sender, "Login successful.", protocol.StatusSuccess, sessionID)
	return req.Sender, sessionID
}

func singleSessionText(username string) string {
	return fmt.Sprintf("Can only log in from a single session. Username %s is already logged in from a different session.", username)
}

// chatLoop drives the Authenticated state: only user messages whose sender
// matches the session's account are accepted. Returning closes the
// connection and logs the account out.
func (s *Server) chatLoop(c *conn, reader *bufio.Reader, username, sessionID string) {
	for {
		m, err := s.readMessage(c, reader)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				log.Printf("Protocol error from %s: %v", username, err)
			} else if err != io.EOF {
				log.Printf("Read error from %s: %v", username, err)
			}
			return
		}

		um, ok := m.(*protocol.UserMessage)
		if !ok {
			log.Printf("Unexpected %T from %s, closing", m, username)
			return
		}
		if um.Sender != username {
			log.Printf("Sender spoof from %s (claimed %s), closing", username, um.Sender)
			return
		}
		log.Print(protocol.Render(um))

		if um.Recipient == protocol.ServerName {
			s.handleAdminMessage(um, username, sessionID)
		} else {
			s.handlePeerMessage(c, um, username, sessionID)
		}
	}
}

// handleAdminMessage forwards a message on the administrative channel to the
// responder. The relay is a friend of every account, so these messages are
// always authorized; the reply is delivered-or-queued like any other relay
// message, off the read loop so a slow responder cannot stall the client.
func (s *Server) handleAdminMessage(um *protocol.UserMessage, username, sessionID string) {
	if _, err := s.graph.AppendLog(um, false); err != nil {
		log.Printf("Failed to log admin message from %s: %v", username, err)
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		content, err := s.responder.Query(context.Background(), um.Content)
		if err != nil {
			log.Printf("Responder query for %s failed: %v", username, err)
			content = "The relay could not produce a reply. Try again later."
		}

		reply := &protocol.ServerMessage{
			Header: protocol.Header{
				Sender:    protocol.ServerName,
				Recipient: username,
				Timestamp: time.Now().UTC(),
			},
			Content: content,
			Status:  protocol.StatusNone,
			Session: sessionID,
		}

		if _, err := s.graph.AppendLog(reply, true); err != nil {
			log.Printf("Failed to log responder reply to %s: %v", username, err)
		}
		s.attemptDelivery(reply, true)
	}()
}

// handlePeerMessage applies the authorize-then-log-then-deliver-or-queue
// policy for one user-to-user message.
func (s *Server) handlePeerMessage(c *conn, um *protocol.UserMessage, username, sessionID string) {
	authorized, err := s.graph.IsAuthorized(username, um.Recipient)
	if err != nil {
		log.Printf("Authorization check for %s -> %s failed: %v", username, um.Recipient, err)
		s.respond(c, username, "Message could not be processed. Try again later.", protocol.StatusFailure, sessionID)
		return
	}
	if !authorized {
		s.respond(c, username, fmt.Sprintf("You are not authorized to message %s.", um.Recipient), protocol.StatusFailure, sessionID)
		return
	}

	logged, err := s.graph.AppendLog(um, false)
	if err != nil || !logged {
		// The store rejected the write, so nothing was mutated; the client
		// may retry the message.
		if err != nil {
			log.Printf("Failed to log message %s -> %s: %v", username, um.Recipient, err)
		}
		s.respond(c, username, "Message could not be processed. Try again later.", protocol.StatusFailure, sessionID)
		return
	}

	s.attemptDelivery(um, true)
}
