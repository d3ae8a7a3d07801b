package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/callerr"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/rtc"
	"github.com/mossy-p/meshcall/internal/rtc/rtctest"
	"github.com/mossy-p/meshcall/internal/signaling"
)

const waitFor = 5 * time.Second

type callFixture struct {
	transport *signaling.MemoryTransport
	net       *rtctest.Network
	timing    config.CallConfig
}

type participant struct {
	id      string
	m       *Manager
	capture *media.SyntheticCapture
	events  chan Event
}

func newCallFixture() *callFixture {
	timing := config.DefaultCallConfig()
	timing.RetryBackoff = 20 * time.Millisecond
	return &callFixture{
		transport: signaling.NewMemoryTransport(),
		net:       rtctest.NewNetwork(),
		timing:    timing,
	}
}

func (f *callFixture) join(t *testing.T, id string) *participant {
	t.Helper()
	p := &participant{
		id:      id,
		capture: media.NewSyntheticCapture(),
		events:  make(chan Event, 1024),
	}
	p.m = New(Deps{
		Transport: f.transport,
		Capture:   p.capture,
		Factory:   f.net.Factory(id),
		Config:    f.timing,
		Logger:    zap.NewNop(),
	})
	p.m.Subscribe(func(ev Event) {
		select {
		case p.events <- ev:
		default:
		}
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		p.m.Close(ctx)
	})
	return p
}

// waitEvent returns the first event of type typ matching ok
func (p *participant) waitEvent(t *testing.T, typ EventType, ok func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-p.events:
			if ev.Type == typ && (ok == nil || ok(ev)) {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: no %s event", p.id, typ)
			return Event{}
		}
	}
}

// linked reports whether p has an open, connected link to every id in others
// and no other links
func (p *participant) linked(others ...string) func() bool {
	return func() bool {
		peers := p.m.Peers()
		if len(peers) != len(others) {
			return false
		}
		for i, info := range peers {
			if info.ID != others[i] || info.State != rtc.ConnectionConnected || !info.ChannelOpen {
				return false
			}
		}
		return true
	}
}

func (f *callFixture) session(t *testing.T, id string) models.CallSession {
	t.Helper()
	rec, err := f.transport.GetSession(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// startPair starts a video call from alice and has bob answer it
func (f *callFixture) startPair(t *testing.T, invite ...string) (string, *participant, *participant) {
	t.Helper()
	ctx := context.Background()
	alice, bob := f.join(t, "alice"), f.join(t, "bob")
	id, err := alice.m.StartCall(ctx, models.CallTypeVideo, "alice", append([]string{"alice", "bob"}, invite...))
	require.NoError(t, err)
	require.NoError(t, bob.m.AnswerCall(ctx, id, "bob"))
	require.Eventually(t, alice.linked("bob"), waitFor, 10*time.Millisecond)
	require.Eventually(t, bob.linked("alice"), waitFor, 10*time.Millisecond)
	return id, alice, bob
}

func TestStartCallHasOnlyInitiator(t *testing.T) {
	f := newCallFixture()
	alice := f.join(t, "alice")

	id, err := alice.m.StartCall(context.Background(), models.CallTypeVideo, "alice", []string{"alice", "bob", "carol", "dave"})
	require.NoError(t, err)
	assert.Equal(t, id, alice.m.SessionID())

	rec := f.session(t, id)
	assert.Equal(t, []string{"alice"}, rec.Attendees)
	assert.Equal(t, models.CallStatusRinging, rec.Status)
	assert.Len(t, rec.Participants, 4)

	ev := alice.waitEvent(t, EventLocalStreamReady, nil)
	require.NotNil(t, ev.LocalStream)
	assert.Len(t, ev.LocalStream.AudioTracks(), 1)
	assert.Len(t, ev.LocalStream.VideoTracks(), 1)
}

func TestStartVoiceCallCapturesMicrophoneOnly(t *testing.T) {
	f := newCallFixture()
	alice := f.join(t, "alice")

	_, err := alice.m.StartCall(context.Background(), models.CallTypeVoice, "alice", []string{"alice", "bob"})
	require.NoError(t, err)
	local := alice.m.LocalStream()
	assert.Len(t, local.AudioTracks(), 1)
	assert.Empty(t, local.VideoTracks())
}

func TestStartCallFailures(t *testing.T) {
	t.Run("media denied", func(t *testing.T) {
		f := newCallFixture()
		alice := f.join(t, "alice")
		alice.capture.Deny(true, false)

		_, err := alice.m.StartCall(context.Background(), models.CallTypeVideo, "alice", []string{"alice", "bob"})
		assert.True(t, callerr.HasCode(err, callerr.CodeMediaAcquisition))
		assert.ErrorIs(t, err, media.ErrPermissionDenied)
		assert.Empty(t, alice.m.SessionID())
	})

	t.Run("session not persisted", func(t *testing.T) {
		f := newCallFixture()
		alice := f.join(t, "alice")
		f.transport.FailNext(signaling.OpCreateSession, 1)

		_, err := alice.m.StartCall(context.Background(), models.CallTypeVideo, "alice", []string{"alice", "bob"})
		assert.True(t, callerr.HasCode(err, callerr.CodeTransport))
		assert.Empty(t, alice.m.SessionID())

		streams := alice.capture.UserStreams()
		require.Len(t, streams, 1)
		for _, tr := range streams[0].Tracks() {
			assert.True(t, tr.Stopped(), "captured media is released")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		f := newCallFixture()
		alice := f.join(t, "alice")
		_, err := alice.m.StartCall(context.Background(), models.CallType("hologram"), "alice", nil)
		assert.True(t, callerr.HasCode(err, callerr.CodeInvalidState))
	})

	t.Run("already in a call", func(t *testing.T) {
		f := newCallFixture()
		alice := f.join(t, "alice")
		_, err := alice.m.StartCall(context.Background(), models.CallTypeVideo, "alice", []string{"alice", "bob"})
		require.NoError(t, err)
		_, err = alice.m.StartCall(context.Background(), models.CallTypeVideo, "alice", []string{"alice", "carol"})
		assert.True(t, callerr.HasCode(err, callerr.CodeInvalidState))
	})
}

func TestAnswerUnavailableSession(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture()
	bob := f.join(t, "bob")

	err := bob.m.AnswerCall(ctx, "missing", "bob")
	assert.True(t, callerr.HasCode(err, callerr.CodeSessionUnavailable))

	id, err := f.transport.CreateSession(ctx, models.NewCallSession(models.CallTypeVideo, "alice", []string{"alice", "bob"}))
	require.NoError(t, err)
	_, err = f.transport.UpdateSession(ctx, id, models.SessionPatch{End: true})
	require.NoError(t, err)

	err = bob.m.AnswerCall(ctx, id, "bob")
	assert.True(t, callerr.HasCode(err, callerr.CodeSessionUnavailable))
	assert.Empty(t, bob.m.SessionID())
	assert.Empty(t, bob.capture.UserStreams(), "no media captured for an ended call")
	assert.Equal(t, []string{"alice"}, f.session(t, id).Attendees)
}

func TestTwoPartyVideoCall(t *testing.T) {
	f := newCallFixture()
	id, alice, bob := f.startPair(t, "carol")

	rec := f.session(t, id)
	assert.Equal(t, models.CallStatusAccepted, rec.Status)
	assert.Equal(t, []string{"alice", "bob"}, rec.Attendees)

	for _, pair := range []struct {
		p      *participant
		remote string
	}{{alice, "bob"}, {bob, "alice"}} {
		require.Eventually(t, func() bool {
			s, ok := pair.p.m.RemoteStreams()[pair.remote]
			return ok && len(s.Tracks) == 2
		}, waitFor, 10*time.Millisecond)

		streams := pair.p.m.RemoteStreams()
		assert.Len(t, streams, 1)
		kinds := map[media.Kind]int{}
		for _, tr := range streams[pair.remote].Tracks {
			kinds[tr.Kind]++
		}
		assert.Equal(t, map[media.Kind]int{media.KindAudio: 1, media.KindVideo: 1}, kinds)
		assert.Empty(t, pair.p.m.RemoteScreens())
	}

	assert.Equal(t, 1, f.net.Count("alice", "bob"))
	assert.Equal(t, 1, f.net.Count("bob", "alice"))
}

func TestChatReachesOnlyCurrentPeers(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture()
	id, alice, bob := f.startPair(t, "carol")

	sent, err := alice.m.SendMessage("hi bob", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.SenderID)

	echo := alice.waitEvent(t, EventNewChatMessages, nil)
	assert.Equal(t, sent.ID, echo.Messages[0].ID, "local echo needs no network")

	got := bob.waitEvent(t, EventNewChatMessages, nil)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi bob", got.Messages[0].Text)
	assert.Equal(t, "alice", got.Messages[0].SenderID)
	assert.Equal(t, "Alice", got.Messages[0].SenderName)

	carol := f.join(t, "carol")
	require.NoError(t, carol.m.AnswerCall(ctx, id, "carol"))
	require.Eventually(t, carol.linked("alice", "bob"), waitFor, 10*time.Millisecond)
	require.Eventually(t, alice.linked("bob", "carol"), waitFor, 10*time.Millisecond)
	require.Eventually(t, bob.linked("alice", "carol"), waitFor, 10*time.Millisecond)

	assert.Empty(t, carol.m.Messages())
	assert.Len(t, alice.m.Messages(), 1)
	assert.Len(t, bob.m.Messages(), 1)

	_, err = bob.m.SendMessage("welcome carol", "Bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(carol.m.Messages()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "bob", carol.m.Messages()[0].SenderID)
}

func TestSendMessageErrors(t *testing.T) {
	f := newCallFixture()
	alice := f.join(t, "alice")

	_, err := alice.m.SendMessage("anyone?", "Alice")
	assert.True(t, callerr.HasCode(err, callerr.CodeInvalidState))

	_, err = alice.m.StartCall(context.Background(), models.CallTypeVoice, "alice", []string{"alice", "bob"})
	require.NoError(t, err)
	_, err = alice.m.SendMessage("   ", "Alice")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	// Nobody to deliver to yet, but the echo still lands
	_, err = alice.m.SendMessage("alone", "Alice")
	require.NoError(t, err)
	assert.Len(t, alice.m.Messages(), 1)
}

func TestConcurrentAnswersLinkOnce(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture()
	alice, bob, carol := f.join(t, "alice"), f.join(t, "bob"), f.join(t, "carol")

	id, err := alice.m.StartCall(ctx, models.CallTypeVideo, "alice", []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range []*participant{bob, carol} {
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			assert.NoError(t, p.m.AnswerCall(ctx, id, p.id))
		}(p)
	}
	wg.Wait()

	require.Eventually(t, alice.linked("bob", "carol"), waitFor, 10*time.Millisecond)
	require.Eventually(t, bob.linked("alice", "carol"), waitFor, 10*time.Millisecond)
	require.Eventually(t, carol.linked("alice", "bob"), waitFor, 10*time.Millisecond)

	for _, pair := range [][2]string{{"alice", "bob"}, {"alice", "carol"}, {"bob", "carol"}} {
		assert.Equal(t, 1, f.net.Count(pair[0], pair[1]), "%s->%s", pair[0], pair[1])
		assert.Equal(t, 1, f.net.Count(pair[1], pair[0]), "%s->%s", pair[1], pair[0])
	}
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, f.session(t, id).Attendees)
}

func TestPeerFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture()
	id, alice, bob := f.startPair(t, "carol")
	carol := f.join(t, "carol")
	require.NoError(t, carol.m.AnswerCall(ctx, id, "carol"))
	require.Eventually(t, alice.linked("bob", "carol"), waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(alice.m.RemoteStreams()) == 2 }, waitFor, 10*time.Millisecond)

	// Bob's network drops
	f.net.Conn("alice", "bob").Fail()

	require.Eventually(t, alice.linked("carol"), waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := alice.m.RemoteStreams()["bob"]
		return !ok
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, alice.m.RemoteStreams(), "carol")
	assert.Equal(t, rtc.ConnectionConnected, f.net.Conn("alice", "carol").ConnectionState())
	assert.Eventually(t, bob.linked("carol"), waitFor, 10*time.Millisecond)

	rec := f.session(t, id)
	assert.Equal(t, models.CallStatusAccepted, rec.Status)
	assert.Contains(t, rec.Attendees, "alice")
	assert.Contains(t, rec.Attendees, "carol")
	assert.Equal(t, id, alice.m.SessionID())
}

func TestHangUp(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture()
	id, alice, bob := f.startPair(t)

	require.NoError(t, bob.m.HangUp(ctx))
	bob.waitEvent(t, EventCallEnded, nil)
	assert.Empty(t, bob.m.SessionID())
	assert.Empty(t, bob.m.Peers())
	for _, tr := range bob.capture.UserStreams()[0].Tracks() {
		assert.True(t, tr.Stopped())
	}

	rec := f.session(t, id)
	assert.Equal(t, []string{"alice"}, rec.Attendees)
	assert.Equal(t, models.CallStatusAccepted, rec.Status, "a non-last attendee leaving keeps the call up")

	// Alice notices bob's connection going away
	require.Eventually(t, func() bool { return len(alice.m.Peers()) == 0 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, alice.m.RemoteStreams())

	require.NoError(t, alice.m.HangUp(ctx))
	rec = f.session(t, id)
	assert.Empty(t, rec.Attendees)
	assert.Equal(t, models.CallStatusEnded, rec.Status)

	assert.NoError(t, alice.m.HangUp(ctx), "idempotent")
	assert.Empty(t, f.transport.Envelopes(id), "no envelopes left behind")
}

func TestRemoteEndCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture()
	id, alice, bob := f.startPair(t)

	_, err := f.transport.UpdateSession(ctx, id, models.SessionPatch{End: true})
	require.NoError(t, err)

	for _, p := range []*participant{alice, bob} {
		p.waitEvent(t, EventCallEnded, func(ev Event) bool { return ev.SessionID == id })
		assert.Empty(t, p.m.SessionID())
		assert.Empty(t, p.m.Peers())
		assert.Nil(t, p.m.LocalStream())
	}
}

func TestDeclineCall(t *testing.T) {
	ctx := context.Background()
	f := newCallFixture()
	alice, bob, carol := f.join(t, "alice"), f.join(t, "bob"), f.join(t, "carol")

	id, err := alice.m.StartCall(ctx, models.CallTypeVoice, "alice", []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	require.NoError(t, bob.m.DeclineCall(ctx, id, "bob"))
	assert.Equal(t, models.CallStatusRinging, f.session(t, id).Status)

	require.NoError(t, carol.m.DeclineCall(ctx, id, "carol"))
	assert.Equal(t, models.CallStatusEnded, f.session(t, id).Status)
	alice.waitEvent(t, EventCallEnded, nil)

	err = bob.m.DeclineCall(ctx, "missing", "bob")
	assert.True(t, callerr.HasCode(err, callerr.CodeSessionUnavailable))
}
