package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/signaling"
)

const testSecret = "relay-test-secret"

type relayFixture struct {
	server    *httptest.Server
	transport *signaling.MemoryTransport
	cfg       *config.Config
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://allowed.example"},
		JWTSecret:      testSecret,
		Call:           config.DefaultCallConfig(),
		Relay:          config.RelayConfig{MessagesPerSecond: 1000, Burst: 1000},
	}
	transport := signaling.NewMemoryTransport()
	reg := prometheus.NewRegistry()
	srv := NewServer(cfg, transport, zaptest.NewLogger(t), metrics.New(reg))

	ts := httptest.NewServer(srv.Router(reg))
	t.Cleanup(ts.Close)
	return &relayFixture{server: ts, transport: transport, cfg: cfg}
}

func (f *relayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/signal"
}

func (f *relayFixture) dial(t *testing.T, user string) *signaling.RelayTransport {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, user, time.Hour)
	require.NoError(t, err)
	rt, err := signaling.DialRelay(context.Background(), f.wsURL(), token, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestHealthAndMetrics(t *testing.T) {
	f := newRelayFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	f := newRelayFixture(t)

	body, _ := json.Marshal(LoginRequest{Username: "alice", Password: "pw"})
	resp, err := http.Post(f.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "alice", out.UserID)

	user, err := middleware.ParseToken(testSecret, out.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	resp, err = http.Post(f.server.URL+"/api/auth/login", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOriginFilter(t *testing.T) {
	f := newRelayFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodOptions, f.server.URL+"/api/auth/login", nil)
	req.Header.Set("Origin", "http://allowed.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://allowed.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketRequiresToken(t *testing.T) {
	f := newRelayFixture(t)
	_, err := signaling.DialRelay(context.Background(), f.wsURL(), "", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRelayTransportEndToEnd(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	id, err := alice.CreateSession(ctx, models.NewCallSession(models.CallTypeVideo, "alice", []string{"bob"}))
	require.NoError(t, err)

	var mu sync.Mutex
	var sessions []models.CallSession
	unsub, err := alice.WatchSession(ctx, id, func(s models.CallSession) {
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	updated, err := bob.UpdateSession(ctx, id, models.SessionPatch{AddAttendees: []string{"bob"}, Accept: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, updated.Attendees)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessions) >= 2 && sessions[len(sessions)-1].HasAttendee("bob")
	}, 2*time.Second, 5*time.Millisecond)

	envCh := make(chan models.SignalingEnvelope, 4)
	unsubEnv, err := bob.WatchEnvelopes(ctx, id, signaling.Filter{To: "bob"}, func(env models.SignalingEnvelope) {
		envCh <- env
	})
	require.NoError(t, err)
	defer unsubEnv()

	offer := models.NewOffer(id, "alice", "bob", models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0"})
	envID, err := alice.SendEnvelope(ctx, offer)
	require.NoError(t, err)

	select {
	case got := <-envCh:
		assert.Equal(t, envID, got.ID)
		assert.Equal(t, "v=0", got.Description.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not relayed")
	}

	require.NoError(t, bob.DeleteEnvelope(ctx, id, envID))
	assert.Empty(t, f.transport.Envelopes(id))

	got, err := bob.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusAccepted, got.Status)

	_, err = bob.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound)
}

func TestRelayEnforcesIdentity(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	alice := f.dial(t, "alice")
	mallory := f.dial(t, "mallory")

	_, err := mallory.CreateSession(ctx, models.NewCallSession(models.CallTypeVoice, "alice", nil))
	assertForbidden(t, err)

	id, err := alice.CreateSession(ctx, models.NewCallSession(models.CallTypeVoice, "alice", []string{"bob"}))
	require.NoError(t, err)

	_, err = mallory.SendEnvelope(ctx, models.NewOffer(id, "alice", "bob", models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0"}))
	assertForbidden(t, err)

	_, err = mallory.WatchEnvelopes(ctx, id, signaling.Filter{To: "bob"}, func(models.SignalingEnvelope) {})
	assertForbidden(t, err)

	_, err = mallory.UpdateSession(ctx, id, models.SessionPatch{RemoveAttendees: []string{"alice"}})
	assertForbidden(t, err)

	s, err := f.transport.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, s.Attendees)
}

func TestRelayGuardsOtherUsersCalls(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	mallory := f.dial(t, "mallory")

	id, err := alice.CreateSession(ctx, models.NewCallSession(models.CallTypeVideo, "alice", []string{"bob"}))
	require.NoError(t, err)
	_, err = bob.UpdateSession(ctx, id, models.SessionPatch{AddAttendees: []string{"bob"}, Accept: true})
	require.NoError(t, err)
	envID, err := alice.SendEnvelope(ctx, models.NewOffer(id, "alice", "bob", models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0"}))
	require.NoError(t, err)

	err = mallory.DeleteEnvelope(ctx, id, envID)
	assertForbidden(t, err)
	err = mallory.PurgeEnvelopes(ctx, id, signaling.Filter{From: "alice", To: "bob"})
	assertForbidden(t, err)
	_, err = mallory.UpdateSession(ctx, id, models.SessionPatch{End: true})
	assertForbidden(t, err)
	_, err = mallory.GetSession(ctx, id)
	assertForbidden(t, err)
	_, err = mallory.WatchSession(ctx, id, func(models.CallSession) {})
	assertForbidden(t, err)
	_, err = mallory.WatchEnvelopes(ctx, id, signaling.Filter{To: "mallory"}, func(models.SignalingEnvelope) {})
	assertForbidden(t, err)

	err = bob.DeleteEnvelope(ctx, id, envID)
	assertForbidden(t, err, "not delivered to bob yet")
	_, err = bob.UpdateSession(ctx, id, models.SessionPatch{End: true})
	assertForbidden(t, err, "only the creator ends the call")
	_, err = bob.SendEnvelope(ctx, models.NewOffer(id, "bob", "mallory", models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0"}))
	assertForbidden(t, err)

	require.Len(t, f.transport.Envelopes(id), 1, "the offer survived")
	s, err := f.transport.GetSession(ctx, id)
	require.NoError(t, err)
	assert.False(t, s.Ended())

	require.NoError(t, alice.PurgeEnvelopes(ctx, id, signaling.Filter{From: "alice", To: "bob"}))
	assert.Empty(t, f.transport.Envelopes(id))
	ended, err := alice.UpdateSession(ctx, id, models.SessionPatch{End: true})
	require.NoError(t, err)
	assert.True(t, ended.Ended())
}

func TestPushDisconnectsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &Client{
		UserID: "bob",
		Send:   make(chan []byte, 2),
		logger: zaptest.NewLogger(t),
		ctx:    ctx,
		cancel: cancel,
	}
	frame := signaling.Frame{Op: signaling.FrameEnvelopeEvent, WatchID: "w"}

	c.push(frame)
	c.push(frame)
	require.NoError(t, ctx.Err())

	c.push(frame)
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "overflow closes the client")
	assert.Len(t, c.Send, 2)

	c.push(frame)
	assert.Len(t, c.Send, 2)
}

func assertForbidden(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	var remote *signaling.RemoteError
	require.ErrorAs(t, err, &remote, msgAndArgs...)
	assert.Equal(t, signaling.FrameCodeForbidden, remote.Code, msgAndArgs...)
}

func TestGetCall(t *testing.T) {
	f := newRelayFixture(t)
	id, err := f.transport.CreateSession(context.Background(), models.NewCallSession(models.CallTypeVideo, "alice", []string{"bob"}))
	require.NoError(t, err)

	get := func(user, callID string) *http.Response {
		token, err := middleware.IssueToken(testSecret, user, time.Hour)
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/calls/"+callID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get("bob", id)
	var call models.CallSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&call))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, call.ID)

	resp = get("mallory", id)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = get("bob", "missing")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
