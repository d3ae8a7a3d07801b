package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/internal/models"
)

const (
	defaultWait = 2 * time.Second
	pollEvery   = 5 * time.Millisecond
)

// collector gathers watch callbacks for assertions
type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, v)
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

func (c *collector[T]) waitLen(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, defaultWait, pollEvery)
	return c.snapshot()
}

func newSession(t *testing.T, tr Transport) string {
	t.Helper()
	id, err := tr.CreateSession(context.Background(), models.NewCallSession(models.CallTypeVideo, "alice", []string{"bob", "carol"}))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func offer(sessionID, from, to string) models.SignalingEnvelope {
	return models.NewOffer(sessionID, from, to, models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0"})
}

func TestMemorySessionLifecycle(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	got, err := tr.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, []string{"alice"}, got.Attendees)

	var seen collector[models.CallSession]
	unsub, err := tr.WatchSession(ctx, id, seen.add)
	require.NoError(t, err)
	defer unsub()

	_, err = tr.UpdateSession(ctx, id, models.SessionPatch{AddAttendees: []string{"bob"}, Accept: true})
	require.NoError(t, err)

	updates := seen.waitLen(t, 2)
	assert.Equal(t, []string{"alice"}, updates[0].Attendees)
	assert.Equal(t, []string{"alice", "bob"}, updates[1].Attendees)
	assert.Equal(t, models.CallStatusAccepted, updates[1].Status)

	_, err = tr.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryConcurrentJoinsAreNotLost(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	var wg sync.WaitGroup
	for _, who := range []string{"bob", "carol", "dave", "erin"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			_, err := tr.UpdateSession(ctx, id, models.SessionPatch{AddAttendees: []string{who}})
			assert.NoError(t, err)
		}(who)
	}
	wg.Wait()

	got, err := tr.GetSession(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol", "dave", "erin"}, got.Attendees)
}

func TestMemoryEnvelopeCatchUpThenLive(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	first, err := tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	require.NoError(t, err)
	_, err = tr.SendEnvelope(ctx, offer(id, "alice", "carol"))
	require.NoError(t, err)

	var got collector[models.SignalingEnvelope]
	unsub, err := tr.WatchEnvelopes(ctx, id, Filter{To: "bob"}, got.add)
	require.NoError(t, err)
	defer unsub()

	second, err := tr.SendEnvelope(ctx, offer(id, "carol", "bob"))
	require.NoError(t, err)

	envs := got.waitLen(t, 2)
	require.Len(t, envs, 2)
	assert.Equal(t, first, envs[0].ID)
	assert.Equal(t, second, envs[1].ID)
}

func TestMemoryDeleteEnvelope(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	envID, err := tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	require.NoError(t, err)
	require.Len(t, tr.Envelopes(id), 1)

	require.NoError(t, tr.DeleteEnvelope(ctx, id, envID))
	require.NoError(t, tr.DeleteEnvelope(ctx, id, envID))
	assert.Empty(t, tr.Envelopes(id))

	var got collector[models.SignalingEnvelope]
	unsub, err := tr.WatchEnvelopes(ctx, id, Filter{To: "bob"}, got.add)
	require.NoError(t, err)
	defer unsub()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	var got collector[models.SignalingEnvelope]
	unsub, err := tr.WatchEnvelopes(ctx, id, Filter{To: "bob", From: "alice"}, got.add)
	require.NoError(t, err)

	_, err = tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	require.NoError(t, err)
	got.waitLen(t, 1)

	unsub()
	unsub()
	_, err = tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, got.snapshot(), 1)
}

func TestMemoryPauseHoldsDeliveries(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	var got collector[models.SignalingEnvelope]
	unsub, err := tr.WatchEnvelopes(ctx, id, Filter{To: "bob"}, got.add)
	require.NoError(t, err)
	defer unsub()

	tr.Pause()
	_, err = tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.snapshot())

	tr.Resume()
	got.waitLen(t, 1)
}

func TestMemoryFailNext(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	tr.FailNext(OpSendOffer, 1)
	_, err := tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	assert.ErrorIs(t, err, ErrInjected)

	_, err = tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	assert.NoError(t, err)

	tr.FailNext(OpCreateSession, 1)
	_, err = tr.CreateSession(ctx, models.NewCallSession(models.CallTypeVoice, "alice", nil))
	assert.ErrorIs(t, err, ErrInjected)
}

func TestMemoryDuplicateDeliveries(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)
	tr.DuplicateDeliveries(true)

	var got collector[models.SignalingEnvelope]
	unsub, err := tr.WatchEnvelopes(ctx, id, Filter{To: "bob"}, got.add)
	require.NoError(t, err)
	defer unsub()

	_, err = tr.SendEnvelope(ctx, offer(id, "alice", "bob"))
	require.NoError(t, err)
	envs := got.waitLen(t, 2)
	assert.Equal(t, envs[0].ID, envs[1].ID)
}

func TestMemoryRejectsInvalidEnvelope(t *testing.T) {
	tr := NewMemoryTransport()
	id := newSession(t, tr)

	_, err := tr.SendEnvelope(context.Background(), models.SignalingEnvelope{SessionID: id, From: "a", To: "b", Type: models.PayloadCandidate})
	assert.ErrorIs(t, err, models.ErrInvalidEnvelope)
}

func TestMemoryPurgeEnvelopes(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	id := newSession(t, tr)

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"alice", "bob"}, {"carol", "bob"}} {
		_, err := tr.SendEnvelope(ctx, offer(id, pair[0], pair[1]))
		require.NoError(t, err)
	}

	require.NoError(t, tr.PurgeEnvelopes(ctx, id, Filter{From: "alice", To: "bob"}))
	left := tr.Envelopes(id)
	require.Len(t, left, 2)
	assert.Equal(t, "bob", left[0].From)
	assert.Equal(t, "carol", left[1].From)

	require.NoError(t, tr.PurgeEnvelopes(ctx, id, Filter{From: "alice", To: "bob"}), "nothing left to purge")
	require.NoError(t, tr.PurgeEnvelopes(ctx, "missing", Filter{To: "bob"}))
}
