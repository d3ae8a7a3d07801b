package peer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/rtc"
)

func (f *linkFixture) openPion(t *testing.T, self, remote string, rec *recorder) *Link {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	factory, err := rtc.NewPionFactory(nil, logger, rtc.WithLoopbackCandidates())
	require.NoError(t, err)
	stream, err := media.NewSyntheticCapture().GetUserMedia(ctx, media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	l, err := Open(ctx, Config{
		SessionID: f.sessionID,
		SelfID:    self,
		RemoteID:  remote,
		Transport: f.transport,
		Factory:   factory,
		Stream:    stream,
		Timing:    f.timing,
		Logger:    logger,
		Metrics:   f.metrics,
		Handler:   rec.handler(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		l.Close(ctx)
	})
	return l
}

func TestLinksConnectOverPion(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	f := newLinkFixture(t)
	recA, recB := newRecorder(), newRecorder()

	// Polite side first, so its own negotiation trigger fires with nothing to answer
	b := f.openPion(t, "bob", "alice", recB)
	a := f.openPion(t, "alice", "bob", recA)

	require.Eventually(t, connected(a, b), 20*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return recA.isOpen() && recB.isOpen() }, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, a.Send([]byte("hello bob")))
	require.NoError(t, b.Send([]byte("hello alice")))
	assert.Eventually(t, func() bool { return len(recB.received()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(recA.received()) == 1 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, 2, a.SenderCount())
	assert.Equal(t, 2, b.SenderCount())
	assert.Zero(t, testutil.ToFloat64(f.metrics.Collisions))
	assert.Zero(t, testutil.ToFloat64(f.metrics.Negotiations.WithLabelValues("error")))
	assert.Eventually(t, f.drained(), waitFor, 10*time.Millisecond)

	screen, err := media.NewSampleTrack(media.KindVideo, "synthetic screen", "screen")
	require.NoError(t, err)
	require.NoError(t, a.ReplaceTrack(media.KindVideo, screen))
	assert.Equal(t, 2, a.SenderCount())
	assert.Equal(t, rtc.ConnectionConnected, a.State())
}
