package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/internal/models"
)

const (
	relayWriteWait  = 10 * time.Second
	relaySendBuffer = 256
)

// RelayTransport speaks the relay websocket protocol. Every Transport call
// becomes a request frame; watches are pushed back as event frames.
type RelayTransport struct {
	conn   *websocket.Conn
	logger *zap.Logger
	send   chan []byte

	mu       sync.Mutex
	pending  map[string]chan Frame
	sessions map[string]*watcher[models.CallSession]
	inboxes  map[string]*watcher[models.SignalingEnvelope]

	closed    chan struct{}
	closeOnce sync.Once
}

// DialRelay connects to the relay websocket at url, authenticating with a
// bearer token issued by the relay's login endpoint
func DialRelay(ctx context.Context, url, token string, logger *zap.Logger) (*RelayTransport, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	t := &RelayTransport{
		conn:     conn,
		logger:   logger.Named("relay-client"),
		send:     make(chan []byte, relaySendBuffer),
		pending:  make(map[string]chan Frame),
		sessions: make(map[string]*watcher[models.CallSession]),
		inboxes:  make(map[string]*watcher[models.SignalingEnvelope]),
		closed:   make(chan struct{}),
	}
	go t.writePump()
	go t.readPump()
	return t, nil
}

// Done is closed once the connection is gone
func (t *RelayTransport) Done() <-chan struct{} {
	return t.closed
}

// Close shuts the connection and stops every watch
func (t *RelayTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *RelayTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()

		t.mu.Lock()
		defer t.mu.Unlock()
		for _, w := range t.sessions {
			w.stop()
		}
		for _, w := range t.inboxes {
			w.stop()
		}
		t.sessions = map[string]*watcher[models.CallSession]{}
		t.inboxes = map[string]*watcher[models.SignalingEnvelope]{}
	})
}

func (t *RelayTransport) readPump() {
	defer t.shutdown()

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("Relay connection lost", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			t.logger.Warn("Failed to parse relay frame", zap.Error(err))
			continue
		}

		switch frame.Op {
		case FrameResult:
			t.mu.Lock()
			ch, ok := t.pending[frame.ID]
			delete(t.pending, frame.ID)
			t.mu.Unlock()
			if ok {
				ch <- frame
			}
		case FrameSessionEvent:
			t.mu.Lock()
			w := t.sessions[frame.WatchID]
			t.mu.Unlock()
			if w != nil && frame.Session != nil {
				w.deliver(*frame.Session)
			}
		case FrameEnvelopeEvent:
			t.mu.Lock()
			w := t.inboxes[frame.WatchID]
			t.mu.Unlock()
			if w != nil && frame.Envelope != nil {
				w.deliver(*frame.Envelope)
			}
		default:
			t.logger.Debug("Ignoring relay frame", zap.String("op", string(frame.Op)))
		}
	}
}

func (t *RelayTransport) writePump() {
	for {
		select {
		case message := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.logger.Warn("Failed to write relay frame", zap.Error(err))
				t.shutdown()
				return
			}
		case <-t.closed:
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(relayWriteWait))
			return
		}
	}
}

func (t *RelayTransport) enqueue(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal relay frame: %w", err)
	}
	select {
	case t.send <- data:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *RelayTransport) request(ctx context.Context, frame Frame) (Frame, error) {
	frame.ID = uuid.New().String()
	ch := make(chan Frame, 1)

	t.mu.Lock()
	t.pending[frame.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, frame.ID)
		t.mu.Unlock()
	}()

	if err := t.enqueue(ctx, frame); err != nil {
		return Frame{}, err
	}
	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return Frame{}, err
		}
		return resp, nil
	case <-t.closed:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *RelayTransport) CreateSession(ctx context.Context, s models.CallSession) (string, error) {
	resp, err := t.request(ctx, Frame{Op: FrameCreateSession, Session: &s})
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func (t *RelayTransport) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	resp, err := t.request(ctx, Frame{Op: FrameGetSession, SessionID: id})
	if err != nil {
		return models.CallSession{}, err
	}
	if resp.Session == nil {
		return models.CallSession{}, ErrSessionNotFound
	}
	return *resp.Session, nil
}

func (t *RelayTransport) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.CallSession, error) {
	resp, err := t.request(ctx, Frame{Op: FrameUpdateSession, SessionID: id, Patch: &patch})
	if err != nil {
		return models.CallSession{}, err
	}
	if resp.Session == nil {
		return models.CallSession{}, ErrSessionNotFound
	}
	return *resp.Session, nil
}

func (t *RelayTransport) WatchSession(ctx context.Context, id string, fn func(models.CallSession)) (Unsubscribe, error) {
	watchID := uuid.New().String()
	w := newWatcher(fn)

	// Register before asking so events racing the result are not lost
	t.mu.Lock()
	t.sessions[watchID] = w
	t.mu.Unlock()

	if _, err := t.request(ctx, Frame{Op: FrameWatchSession, SessionID: id, WatchID: watchID}); err != nil {
		t.dropWatch(watchID)
		return nil, err
	}
	return once(func() { t.unwatch(watchID) }), nil
}

func (t *RelayTransport) SendEnvelope(ctx context.Context, env models.SignalingEnvelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	resp, err := t.request(ctx, Frame{Op: FrameSendEnvelope, SessionID: env.SessionID, Envelope: &env})
	if err != nil {
		return "", err
	}
	return resp.EnvelopeID, nil
}

func (t *RelayTransport) WatchEnvelopes(ctx context.Context, sessionID string, filter Filter, fn func(models.SignalingEnvelope)) (Unsubscribe, error) {
	watchID := uuid.New().String()
	w := newWatcher(fn)

	t.mu.Lock()
	t.inboxes[watchID] = w
	t.mu.Unlock()

	if _, err := t.request(ctx, Frame{Op: FrameWatchEnvelopes, SessionID: sessionID, WatchID: watchID, Filter: &filter}); err != nil {
		t.dropWatch(watchID)
		return nil, err
	}
	return once(func() { t.unwatch(watchID) }), nil
}

func (t *RelayTransport) DeleteEnvelope(ctx context.Context, sessionID, envelopeID string) error {
	_, err := t.request(ctx, Frame{Op: FrameDeleteEnvelope, SessionID: sessionID, EnvelopeID: envelopeID})
	return err
}

func (t *RelayTransport) PurgeEnvelopes(ctx context.Context, sessionID string, filter Filter) error {
	_, err := t.request(ctx, Frame{Op: FramePurgeEnvelopes, SessionID: sessionID, Filter: &filter})
	return err
}

func (t *RelayTransport) dropWatch(watchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.sessions[watchID]; ok {
		w.stop()
		delete(t.sessions, watchID)
	}
	if w, ok := t.inboxes[watchID]; ok {
		w.stop()
		delete(t.inboxes, watchID)
	}
}

// unwatch stops local delivery at once and tells the relay without waiting
func (t *RelayTransport) unwatch(watchID string) {
	t.dropWatch(watchID)

	data, err := json.Marshal(Frame{Op: FrameUnwatch, WatchID: watchID})
	if err != nil {
		return
	}
	select {
	case t.send <- data:
	case <-t.closed:
	default:
		t.logger.Warn("Relay send buffer full, unwatch not sent", zap.String("watch_id", watchID))
	}
}
