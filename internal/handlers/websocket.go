package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256

	// Envelope ids remembered per connection for delete authorization
	deliveredEnvelopes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one authenticated relay connection
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	server  *Server
	logger  *zap.Logger
	limiter *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	overflow sync.Once

	// delivered holds "session/envelope" keys pushed to this connection
	delivered *lru.Cache[string, struct{}]

	mu      sync.Mutex
	watches map[string]signaling.Unsubscribe
}

// HandleSignaling upgrades an authenticated request and relays Transport
// operations for that user until the socket closes
func (s *Server) HandleSignaling(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	delivered, err := lru.New[string, struct{}](deliveredEnvelopes)
	if err != nil {
		s.logger.Error("Failed to create envelope cache", zap.Error(err))
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		server:  s,
		logger:  s.logger.With(zap.String("user_id", userID)),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.Relay.MessagesPerSecond), s.cfg.Relay.Burst),
		ctx:       ctx,
		cancel:    cancel,
		delivered: delivered,
		watches:   make(map[string]signaling.Unsubscribe),
	}

	s.metrics.RelayConnections.Inc()
	client.logger.Info("Relay client connected")

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		for id, unsub := range c.watches {
			unsub()
			delete(c.watches, id)
		}
		c.mu.Unlock()

		c.cancel()
		c.Conn.Close()
		c.server.metrics.RelayConnections.Dec()
		c.logger.Info("Relay client disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			break
		}

		var frame signaling.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("Failed to parse frame", zap.Error(err))
			continue
		}
		c.server.metrics.RelayFrames.WithLabelValues(string(frame.Op)).Inc()

		if !c.limiter.Allow() {
			if frame.ID != "" {
				c.push(signaling.Frame{ID: frame.ID, Op: signaling.FrameResult, Code: signaling.FrameCodeRateLimited, Error: "rate limit exceeded"})
			}
			continue
		}

		if resp, ok := c.handle(frame); ok {
			c.push(resp)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// push queues a frame for the writer. A client that cannot keep up is
// disconnected instead of losing frames.
func (c *Client) push(frame signaling.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	select {
	case c.Send <- data:
	case <-c.ctx.Done():
	default:
		c.overflow.Do(func() {
			c.logger.Warn("Send buffer full, disconnecting client", zap.String("op", string(frame.Op)))
			c.cancel()
		})
	}
}

// handle runs one request. It reports false for requests that get no reply.
func (c *Client) handle(frame signaling.Frame) (signaling.Frame, bool) {
	if frame.Op == signaling.FrameUnwatch {
		c.unwatch(frame.WatchID)
		return signaling.Frame{}, false
	}

	ctx, cancel := c.server.opContext(c.ctx)
	defer cancel()

	resp, err := c.dispatch(ctx, frame)
	if err != nil {
		if !errors.Is(err, signaling.ErrSessionNotFound) {
			c.logger.Warn("Relay request failed",
				zap.String("op", string(frame.Op)),
				zap.String("session_id", frame.SessionID),
				zap.Error(err))
		}
		return signaling.ErrorFrame(frame.ID, err), true
	}
	resp.ID = frame.ID
	resp.Op = signaling.FrameResult
	return resp, true
}

func (c *Client) dispatch(ctx context.Context, frame signaling.Frame) (signaling.Frame, error) {
	t := c.server.transport

	switch frame.Op {
	case signaling.FrameCreateSession:
		if frame.Session == nil {
			return signaling.Frame{}, badRequest("session is required")
		}
		if frame.Session.CreatedBy != c.UserID {
			return signaling.Frame{}, forbidden("sessions must be created by the caller")
		}
		id, err := t.CreateSession(ctx, *frame.Session)
		if err != nil {
			return signaling.Frame{}, err
		}
		return signaling.Frame{SessionID: id}, nil

	case signaling.FrameGetSession:
		s, err := c.participantSession(ctx, frame.SessionID)
		if err != nil {
			return signaling.Frame{}, err
		}
		return signaling.Frame{SessionID: s.ID, Session: &s}, nil

	case signaling.FrameUpdateSession:
		if frame.Patch == nil {
			return signaling.Frame{}, badRequest("patch is required")
		}
		s, err := c.participantSession(ctx, frame.SessionID)
		if err != nil {
			return signaling.Frame{}, err
		}
		if err := c.authorizePatch(s, *frame.Patch); err != nil {
			return signaling.Frame{}, err
		}
		s, err = t.UpdateSession(ctx, frame.SessionID, *frame.Patch)
		if err != nil {
			return signaling.Frame{}, err
		}
		return signaling.Frame{SessionID: s.ID, Session: &s}, nil

	case signaling.FrameWatchSession:
		if frame.WatchID == "" {
			return signaling.Frame{}, badRequest("watchId is required")
		}
		if _, err := c.participantSession(ctx, frame.SessionID); err != nil {
			return signaling.Frame{}, err
		}
		watchID := frame.WatchID
		unsub, err := t.WatchSession(c.ctx, frame.SessionID, func(s models.CallSession) {
			c.push(signaling.Frame{Op: signaling.FrameSessionEvent, WatchID: watchID, SessionID: s.ID, Session: &s})
		})
		if err != nil {
			return signaling.Frame{}, err
		}
		c.addWatch(watchID, unsub)
		return signaling.Frame{WatchID: watchID}, nil

	case signaling.FrameSendEnvelope:
		if frame.Envelope == nil {
			return signaling.Frame{}, badRequest("envelope is required")
		}
		env := *frame.Envelope
		if env.From != c.UserID {
			return signaling.Frame{}, forbidden("envelopes must be sent from the caller")
		}
		s, err := c.participantSession(ctx, env.SessionID)
		if err != nil {
			return signaling.Frame{}, err
		}
		if !s.IsParticipant(env.To) {
			return signaling.Frame{}, forbidden("envelopes can only be sent to participants")
		}
		id, err := t.SendEnvelope(ctx, env)
		if err != nil {
			return signaling.Frame{}, err
		}
		return signaling.Frame{EnvelopeID: id}, nil

	case signaling.FrameWatchEnvelopes:
		if frame.WatchID == "" {
			return signaling.Frame{}, badRequest("watchId is required")
		}
		if frame.Filter == nil || frame.Filter.To != c.UserID {
			return signaling.Frame{}, forbidden("only the caller's own inbox can be watched")
		}
		if _, err := c.participantSession(ctx, frame.SessionID); err != nil {
			return signaling.Frame{}, err
		}
		watchID := frame.WatchID
		unsub, err := t.WatchEnvelopes(c.ctx, frame.SessionID, *frame.Filter, func(env models.SignalingEnvelope) {
			c.delivered.Add(deliveredKey(env.SessionID, env.ID), struct{}{})
			c.push(signaling.Frame{Op: signaling.FrameEnvelopeEvent, WatchID: watchID, SessionID: env.SessionID, Envelope: &env})
		})
		if err != nil {
			return signaling.Frame{}, err
		}
		c.addWatch(watchID, unsub)
		return signaling.Frame{WatchID: watchID}, nil

	case signaling.FrameDeleteEnvelope:
		// Inbox watches are limited to the caller, so anything delivered here
		// was addressed to them
		key := deliveredKey(frame.SessionID, frame.EnvelopeID)
		if !c.delivered.Contains(key) {
			return signaling.Frame{}, forbidden("only envelopes delivered to the caller can be deleted")
		}
		if err := t.DeleteEnvelope(ctx, frame.SessionID, frame.EnvelopeID); err != nil {
			return signaling.Frame{}, err
		}
		c.delivered.Remove(key)
		return signaling.Frame{EnvelopeID: frame.EnvelopeID}, nil

	case signaling.FramePurgeEnvelopes:
		if frame.Filter == nil || (frame.Filter.To != c.UserID && frame.Filter.From != c.UserID) {
			return signaling.Frame{}, forbidden("only envelopes to or from the caller can be purged")
		}
		if _, err := c.participantSession(ctx, frame.SessionID); err != nil {
			return signaling.Frame{}, err
		}
		if err := t.PurgeEnvelopes(ctx, frame.SessionID, *frame.Filter); err != nil {
			return signaling.Frame{}, err
		}
		return signaling.Frame{SessionID: frame.SessionID}, nil

	default:
		return signaling.Frame{}, badRequest("unknown op " + string(frame.Op))
	}
}

// participantSession loads a session the caller created or was invited to
func (c *Client) participantSession(ctx context.Context, id string) (models.CallSession, error) {
	s, err := c.server.transport.GetSession(ctx, id)
	if err != nil {
		return models.CallSession{}, err
	}
	if !s.IsParticipant(c.UserID) {
		return models.CallSession{}, forbidden("not a participant of this call")
	}
	return s, nil
}

// authorizePatch lets a user change only their own membership. Ending a
// session outright is left to its creator.
func (c *Client) authorizePatch(s models.CallSession, p models.SessionPatch) error {
	for _, id := range p.AddAttendees {
		if id != c.UserID {
			return forbidden("attendees can only add themselves")
		}
	}
	for _, id := range p.RemoveAttendees {
		if id != c.UserID {
			return forbidden("attendees can only remove themselves")
		}
	}
	if p.Decline != "" && p.Decline != c.UserID {
		return forbidden("attendees can only decline for themselves")
	}
	if p.End && s.CreatedBy != c.UserID {
		return forbidden("only the creator can end the call")
	}
	return nil
}

func deliveredKey(sessionID, envelopeID string) string {
	return sessionID + "/" + envelopeID
}

func (c *Client) addWatch(id string, unsub signaling.Unsubscribe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.watches[id]; ok {
		prev()
	}
	c.watches[id] = unsub
}

func (c *Client) unwatch(id string) {
	c.mu.Lock()
	unsub, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func badRequest(msg string) error {
	return &signaling.RemoteError{Code: signaling.FrameCodeBadRequest, Message: msg}
}

func forbidden(msg string) error {
	return &signaling.RemoteError{Code: signaling.FrameCodeForbidden, Message: msg}
}
