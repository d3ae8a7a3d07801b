package signaling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mossy-p/meshcall/internal/models"
)

// Op names a MemoryTransport write that can be made to fail in tests
type Op string

const (
	OpCreateSession Op = "create_session"
	OpUpdateSession Op = "update_session"
	OpSendOffer     Op = "send_offer"
	OpSendAnswer    Op = "send_answer"
	OpSendCandidate Op = "send_candidate"
)

var ErrInjected = errors.New("injected transport failure")

// MemoryTransport is an in-process Transport. The relay uses it as its
// single-node backend and tests use it to wire several SessionManagers
// together.
type MemoryTransport struct {
	mu        sync.Mutex
	sessions  map[string]*memorySession
	failures  map[Op]int
	paused    bool
	held      []heldDelivery
	duplicate bool
	nextID    int
}

type memorySession struct {
	record    models.CallSession
	envelopes map[string]models.SignalingEnvelope
	order     []string
	sessWatch map[int]*watcher[models.CallSession]
	envWatch  map[int]*envelopeWatcher
}

type envelopeWatcher struct {
	*watcher[models.SignalingEnvelope]
	filter Filter
}

type heldDelivery struct {
	w   *envelopeWatcher
	env models.SignalingEnvelope
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		sessions: make(map[string]*memorySession),
		failures: make(map[Op]int),
	}
}

// FailNext makes the next n calls of op fail with ErrInjected
func (t *MemoryTransport) FailNext(op Op, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op] += n
}

// Pause holds envelope deliveries until Resume. Writes still succeed.
func (t *MemoryTransport) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume releases held envelope deliveries in write order
func (t *MemoryTransport) Resume() {
	t.mu.Lock()
	held := t.held
	t.held = nil
	t.paused = false
	t.mu.Unlock()

	for _, h := range held {
		h.w.deliver(h.env)
	}
}

// DuplicateDeliveries makes every live envelope delivery happen twice
func (t *MemoryTransport) DuplicateDeliveries(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duplicate = on
}

// Envelopes returns the envelopes of a session that have not been deleted yet
func (t *MemoryTransport) Envelopes(sessionID string) []models.SignalingEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]models.SignalingEnvelope, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.envelopes[id])
	}
	return out
}

func (t *MemoryTransport) injected(op Op) error {
	if t.failures[op] > 0 {
		t.failures[op]--
		return fmt.Errorf("%s: %w", op, ErrInjected)
	}
	return nil
}

func (t *MemoryTransport) CreateSession(ctx context.Context, s models.CallSession) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.Validate(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected(OpCreateSession); err != nil {
		return "", err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if _, exists := t.sessions[s.ID]; exists {
		return "", fmt.Errorf("call session %s already exists", s.ID)
	}
	t.sessions[s.ID] = &memorySession{
		record:    s.Clone(),
		envelopes: make(map[string]models.SignalingEnvelope),
		sessWatch: make(map[int]*watcher[models.CallSession]),
		envWatch:  make(map[int]*envelopeWatcher),
	}
	return s.ID, nil
}

func (t *MemoryTransport) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return models.CallSession{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return models.CallSession{}, ErrSessionNotFound
	}
	return s.record.Clone(), nil
}

func (t *MemoryTransport) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return models.CallSession{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected(OpUpdateSession); err != nil {
		return models.CallSession{}, err
	}
	s, ok := t.sessions[id]
	if !ok {
		return models.CallSession{}, ErrSessionNotFound
	}
	if s.record.Apply(patch) {
		for _, w := range s.sessWatch {
			w.deliver(s.record.Clone())
		}
	}
	return s.record.Clone(), nil
}

func (t *MemoryTransport) WatchSession(ctx context.Context, id string, fn func(models.CallSession)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	w := newWatcher(fn)
	t.nextID++
	key := t.nextID
	s.sessWatch[key] = w
	w.deliver(s.record.Clone())

	return t.unsubscribe(func() {
		delete(s.sessWatch, key)
		w.stop()
	}), nil
}

func (t *MemoryTransport) SendEnvelope(ctx context.Context, env models.SignalingEnvelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := env.Validate(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected(Op("send_" + string(env.Type))); err != nil {
		return "", err
	}
	s, ok := t.sessions[env.SessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if _, exists := s.envelopes[env.ID]; !exists {
		s.order = append(s.order, env.ID)
	}
	s.envelopes[env.ID] = env

	for _, w := range s.envWatch {
		if !w.filter.Match(env) {
			continue
		}
		copies := 1
		if t.duplicate {
			copies = 2
		}
		for i := 0; i < copies; i++ {
			if t.paused {
				t.held = append(t.held, heldDelivery{w: w, env: env})
			} else {
				w.deliver(env)
			}
		}
	}
	return env.ID, nil
}

func (t *MemoryTransport) WatchEnvelopes(ctx context.Context, sessionID string, filter Filter, fn func(models.SignalingEnvelope)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	w := &envelopeWatcher{watcher: newWatcher(fn), filter: filter}
	t.nextID++
	key := t.nextID
	s.envWatch[key] = w
	for _, id := range s.order {
		if env := s.envelopes[id]; filter.Match(env) {
			w.deliver(env)
		}
	}

	return t.unsubscribe(func() {
		delete(s.envWatch, key)
		w.stop()
	}), nil
}

func (t *MemoryTransport) DeleteEnvelope(ctx context.Context, sessionID, envelopeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	if _, exists := s.envelopes[envelopeID]; !exists {
		return nil
	}
	delete(s.envelopes, envelopeID)
	for i, id := range s.order {
		if id == envelopeID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *MemoryTransport) PurgeEnvelopes(ctx context.Context, sessionID string, filter Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		if !filter.Match(s.envelopes[id]) {
			return false
		}
		delete(s.envelopes, id)
		return true
	})
	return nil
}

func (t *MemoryTransport) unsubscribe(remove func()) Unsubscribe {
	return once(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		remove()
	})
}
