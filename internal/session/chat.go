package session

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/internal/callerr"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
)

var ErrEmptyMessage = errors.New("chat message is empty")

type frameType string

const (
	frameChat       frameType = "chat"
	frameMediaState frameType = "media-state"
)

// frame is the unit written to a peer's data channel
type frame struct {
	Type      frameType           `json:"type"`
	Message   *models.ChatMessage `json:"message,omitempty"`
	Screen    *bool               `json:"screen,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func chatFrame(msg models.ChatMessage) frame {
	return frame{Type: frameChat, Message: &msg, Timestamp: msg.Timestamp}
}

func mediaStateFrame(sharing bool) frame {
	return frame{Type: frameMediaState, Screen: &sharing, Timestamp: time.Now().UTC()}
}

// SendMessage echoes the message locally and writes it to every open data
// channel. Peers whose channel is not open yet miss it.
func (m *Manager) SendMessage(text, senderName string) (models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return models.ChatMessage{}, callerr.InvalidState("no active call")
	}
	msg := models.NewChatMessage(m.selfID, senderName, text)
	m.messages = append(m.messages, msg)
	m.bus.Publish(Event{Type: EventNewChatMessages, SessionID: m.sessionID, Messages: []models.ChatMessage{msg}})
	links := m.linksLocked()
	m.mu.Unlock()
	m.metrics.ChatMessages.WithLabelValues("sent").Inc()

	m.broadcast(links, chatFrame(msg))
	return msg, nil
}

func (m *Manager) broadcast(links []*peer.Link, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		m.logger.Error("Failed to encode data channel frame", zap.Error(err))
		return
	}
	for _, l := range links {
		m.write(l, data)
	}
}

func (m *Manager) sendFrame(e *peerEntry, f frame) {
	m.mu.Lock()
	link := e.link
	m.mu.Unlock()
	if link == nil {
		return
	}
	m.broadcast([]*peer.Link{link}, f)
}

func (m *Manager) write(l *peer.Link, data []byte) {
	err := l.Send(data)
	switch {
	case err == nil:
	case errors.Is(err, peer.ErrChannelNotOpen):
		m.logger.Debug("Data channel not open, dropping frame", zap.String("peer", l.RemoteID()))
	default:
		m.logger.Warn("Failed to write data channel frame", zap.String("peer", l.RemoteID()), zap.Error(err))
	}
}

// handleFrame decodes an inbound frame from e. Chat is stamped with the
// link's identity so a peer cannot speak for someone else.
func (m *Manager) handleFrame(e *peerEntry, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn("Dropping malformed data channel frame", zap.String("peer", e.id), zap.Error(err))
		return
	}

	switch f.Type {
	case frameChat:
		if f.Message == nil {
			return
		}
		msg := *f.Message
		msg.SenderID = e.id
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}

		m.mu.Lock()
		if m.peers[e.id] != e {
			m.mu.Unlock()
			return
		}
		m.messages = append(m.messages, msg)
		m.bus.Publish(Event{Type: EventNewChatMessages, SessionID: m.sessionID, Messages: []models.ChatMessage{msg}})
		m.mu.Unlock()
		m.metrics.ChatMessages.WithLabelValues("received").Inc()

	case frameMediaState:
		if f.Screen == nil {
			return
		}
		sharing := *f.Screen
		m.updateRemote(e, func() bool {
			if e.sharing != nil && *e.sharing == sharing {
				return false
			}
			e.sharing = &sharing
			return true
		})

	default:
		m.logger.Debug("Ignoring unknown data channel frame", zap.String("peer", e.id), zap.String("type", string(f.Type)))
	}
}
