package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/session"
)

// Gateway timings.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxInboundSize = 1 << 20
)

// Inbound control message types.
const (
	msgChat              = "chat_message"
	msgAgentRefresh      = "agent_refresh"
	msgSubscribe         = "subscribe"
	msgUnsubscribe       = "unsubscribe"
	msgSessionManagement = "session_management"
)

// inbound is the union of every control message an observer can send.
type inbound struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Action    string `json:"action"`
}

// wsConn adapts a WebSocket connection to the router's Writer. gorilla
// allows one concurrent writer, so every write holds mu.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// handleWebSocket upgrades an observer connection, registers it with
// the router and reads control messages until it goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxInboundSize)

	wc := &wsConn{conn: conn}
	connID := session.NewID()

	// Register before the welcome so an observer that has read it is
	// guaranteed to be receiving broadcasts.
	s.router.Register(connID, wc)
	s.notify(connID, "connected", connID)
	s.logger.Info("observer connected", "conn", connID, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go s.keepAlive(wc, done)
	defer func() {
		close(done)
		s.router.OnDisconnect(connID)
		conn.Close()
		s.logger.Info("observer disconnected", "conn", connID)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "conn", connID, "error", err)
			}
			return
		}
		if err := s.dispatch(connID, data); err != nil {
			s.logger.Debug("control message rejected", "conn", connID, "error", err)
			s.notify(connID, "error", err.Error())
		}
	}
}

func (s *Server) keepAlive(wc *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}

// notify queues a notification for one connection behind whatever the
// router has already queued for it.
func (s *Server) notify(connID, kind, message string) {
	s.router.SendTo(connID, events.New("", "", "", events.Notification{NotificationType: kind, Message: message}))
}

// dispatch handles one control message. Errors are reported back to
// the sending observer only.
func (s *Server) dispatch(connID string, data []byte) error {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.New("malformed control message")
	}

	switch msg.Type {
	case msgChat:
		if msg.Content == "" {
			return errors.New("chat_message requires content")
		}
		if !s.pool.HasAgent(msg.AgentID) {
			return errors.New("unknown agent: " + msg.AgentID)
		}
		if sess, ok := s.pool.Sessions().Get(msg.SessionID); ok && sess.AgentID != msg.AgentID {
			return fmt.Errorf("%w: %s is owned by %s", session.ErrAgentMismatch, msg.SessionID, sess.AgentID)
		}
		s.startChat(connID, msg.AgentID, msg.SessionID, msg.Content)
		return nil

	case msgAgentRefresh:
		_, err := s.pool.Refresh(msg.AgentID)
		return err

	case msgSubscribe:
		if msg.AgentID == "" || msg.SessionID == "" {
			return errors.New("subscribe requires agentId and sessionId")
		}
		return s.router.Subscribe(connID, msg.AgentID, msg.SessionID)

	case msgUnsubscribe:
		s.router.Unsubscribe(connID, msg.AgentID, msg.SessionID)
		return nil

	case msgSessionManagement:
		return s.manageSession(msg)

	default:
		return errors.New("unknown message type: " + msg.Type)
	}
}

func (s *Server) manageSession(msg inbound) error {
	switch msg.Action {
	case "create":
		if msg.AgentID == "" {
			return errors.New("session create requires agentId")
		}
		_, err := s.pool.CreateSession(msg.AgentID, msg.SessionID)
		return err
	case "close":
		if !s.pool.CloseSession(msg.SessionID, agent.CloseReasonClosed) {
			return errors.New("session not found: " + msg.SessionID)
		}
		return nil
	default:
		return errors.New("unknown session action: " + msg.Action)
	}
}

// startChat runs a turn in the background. Its envelopes reach the
// observer through the router; the reader loop keeps serving control
// messages meanwhile. A turn that cannot run is reported to connID.
func (s *Server) startChat(connID, agentID, sessionID, content string) {
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		if _, err := s.pool.HandleChat(s.baseCtx, agentID, sessionID, content); err != nil {
			s.logger.Warn("chat turn failed", "agent", agentID, "session", sessionID, "error", err)
			s.notify(connID, "error", err.Error())
		}
	}()
}
