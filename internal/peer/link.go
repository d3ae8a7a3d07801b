package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/callerr"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/queue"
	"github.com/mossy-p/meshcall/internal/rtc"
	"github.com/mossy-p/meshcall/internal/signaling"
)

// ChatLabel is the label of the data channel opened by the impolite side
const ChatLabel = "chat"

var ErrChannelNotOpen = errors.New("data channel is not open")

// Handler receives link events. Every callback runs on the link goroutine, so
// callbacks must not wait for the link to close.
type Handler struct {
	StateChanged func(remoteID string, s rtc.ConnectionState)
	Track        func(remoteID string, t rtc.RemoteTrack)
	ChannelOpen  func(remoteID string)
	Message      func(remoteID string, data []byte)
	// Closed fires once, after teardown. err is nil for an explicit close.
	Closed func(remoteID string, err error)
}

type Config struct {
	SessionID string
	SelfID    string
	RemoteID  string

	Transport signaling.Transport
	Factory   rtc.Factory
	// Stream holds the local tracks to send. Its tracks are shared with
	// every other link and are never stopped here.
	Stream *media.Stream

	Timing  config.CallConfig
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Handler Handler
}

// Link is the connection to one remote attendee. Envelopes, timers and
// connection events are all handled one at a time on the link's mailbox.
type Link struct {
	sessionID string
	selfID    string
	remoteID  string
	polite    bool

	transport signaling.Transport
	timing    config.CallConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	handler   Handler

	box    *queue.Mailbox
	done   chan struct{}
	closed atomic.Bool

	pc        rtc.PeerConnection
	neg       *Negotiator
	ice       *ICEBuffer
	seen      *lru.Cache[string, struct{}]
	negotiate *Debouncer
	batch     *Debouncer
	senders   map[media.Kind]rtc.Sender

	// Owned by the link goroutine
	outgoing          []models.ICECandidate
	candidateFailures int
	timers            []*time.Timer
	opened            bool

	mu      sync.Mutex
	state   rtc.ConnectionState
	channel rtc.DataChannel
	unwatch signaling.Unsubscribe
}

// Open creates the peer connection, attaches the local tracks and starts
// consuming envelopes from the remote attendee
func Open(ctx context.Context, cfg Config) (*Link, error) {
	pc, err := cfg.Factory.NewPeerConnection(cfg.RemoteID)
	if err != nil {
		return nil, callerr.PeerConnectionFailure(cfg.RemoteID, err)
	}

	seen, err := lru.New[string, struct{}](max(cfg.Timing.SeenEnvelopes, 16))
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create envelope cache: %w", err)
	}

	polite := Polite(cfg.SelfID, cfg.RemoteID)
	l := &Link{
		sessionID: cfg.SessionID,
		selfID:    cfg.SelfID,
		remoteID:  cfg.RemoteID,
		polite:    polite,
		transport: cfg.Transport,
		timing:    cfg.Timing,
		logger: cfg.Logger.With(
			zap.String("session_id", cfg.SessionID),
			zap.String("peer", cfg.RemoteID),
			zap.String("role", string(RoleOf(cfg.SelfID, cfg.RemoteID)))),
		metrics: cfg.Metrics,
		handler: cfg.Handler,
		box:     queue.NewMailbox(),
		done:    make(chan struct{}),
		pc:      pc,
		neg:     NewNegotiator(pc, polite),
		ice:     NewICEBuffer(cfg.Timing.MaxQueuedCandidates),
		seen:    seen,
		senders: make(map[media.Kind]rtc.Sender),
		state:   rtc.ConnectionNew,
	}
	l.negotiate = NewDebouncer(cfg.Timing.NegotiationDebounce, func() { l.post(l.makeOffer) })
	l.batch = NewWindow(cfg.Timing.CandidateBatchWindow, func() { l.post(l.flushCandidates) })

	pc.OnNegotiationNeeded(l.negotiate.Trigger)
	pc.OnICECandidate(func(c *models.ICECandidate) {
		if c == nil {
			return
		}
		cand := *c
		l.post(func() {
			l.outgoing = append(l.outgoing, cand)
			l.batch.Trigger()
		})
	})
	pc.OnConnectionStateChange(func(s rtc.ConnectionState) {
		l.post(func() { l.stateChanged(s) })
	})
	pc.OnTrack(func(t rtc.RemoteTrack) {
		l.post(func() {
			if l.handler.Track != nil {
				l.handler.Track(l.remoteID, t)
			}
		})
	})
	if polite {
		pc.OnDataChannel(l.attachChannel)
	}

	if cfg.Stream != nil {
		for _, t := range cfg.Stream.Tracks() {
			s, err := pc.AddTrack(t, cfg.Stream.ID)
			if err != nil {
				l.abort()
				return nil, callerr.PeerConnectionFailure(cfg.RemoteID, err)
			}
			l.senders[t.Kind()] = s
		}
	}

	if !polite {
		dc, err := pc.CreateDataChannel(ChatLabel)
		if err != nil {
			l.abort()
			return nil, callerr.PeerConnectionFailure(cfg.RemoteID, err)
		}
		l.attachChannel(dc)
	}

	unwatch, err := cfg.Transport.WatchEnvelopes(ctx, cfg.SessionID,
		signaling.Filter{To: cfg.SelfID, From: cfg.RemoteID}, l.receive)
	if err != nil {
		l.abort()
		return nil, callerr.Transport(err, "watch envelopes")
	}
	l.mu.Lock()
	l.unwatch = unwatch
	l.mu.Unlock()
	if l.closed.Load() {
		unwatch()
	}

	l.metrics.PeersActive.Inc()
	l.logger.Info("Peer link opened", zap.Int("senders", len(l.senders)))
	return l, nil
}

func (l *Link) RemoteID() string { return l.remoteID }
func (l *Link) Role() Role       { return RoleOf(l.selfID, l.remoteID) }

// Done is closed once the link has been torn down
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) State() rtc.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SenderCount is the number of outgoing track slots on the connection
func (l *Link) SenderCount() int {
	return len(l.pc.Senders())
}

// SenderTrack returns the track currently sent for kind, or nil
func (l *Link) SenderTrack(kind media.Kind) media.Track {
	s, ok := l.senders[kind]
	if !ok {
		return nil
	}
	return s.Track()
}

// ReplaceTrack swaps the outgoing track of kind in place, without
// renegotiating. A nil track sends nothing.
func (l *Link) ReplaceTrack(kind media.Kind, t media.Track) error {
	s, ok := l.senders[kind]
	if !ok {
		return callerr.InvalidState(fmt.Sprintf("peer %s has no %s sender", l.remoteID, kind))
	}
	return s.ReplaceTrack(t)
}

// Send writes data to the data channel. It fails with ErrChannelNotOpen
// until the channel has opened.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	dc := l.channel
	l.mu.Unlock()
	if l.closed.Load() || dc == nil || !dc.Open() {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Close tears the link down and waits for it to finish
func (l *Link) Close(ctx context.Context) error {
	l.post(func() { l.teardown(nil) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn on the link goroutine unless the link is closed by then
func (l *Link) post(fn func()) {
	l.box.Post(func() {
		if l.closed.Load() {
			return
		}
		fn()
	})
}

// after schedules fn on the link goroutine. Pending timers die with the link.
func (l *Link) after(d time.Duration, fn func()) {
	l.timers = append(l.timers, time.AfterFunc(d, func() { l.post(fn) }))
}

func (l *Link) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), l.timing.OperationTimeout)
}

func (l *Link) receive(env models.SignalingEnvelope) {
	l.post(func() { l.handleEnvelope(env) })
}

func (l *Link) handleEnvelope(env models.SignalingEnvelope) {
	if l.seen.Contains(env.ID) {
		// Redelivered because it still exists, so delete it again
		l.logger.Debug("Skipping duplicate envelope", zap.String("envelope_id", env.ID))
		l.consume(env.ID)
		return
	}
	l.seen.Add(env.ID, struct{}{})
	l.metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case models.PayloadOffer:
		if env.Description != nil {
			l.handleOffer(*env.Description)
		}
	case models.PayloadAnswer:
		if env.Description != nil {
			l.handleAnswer(*env.Description)
		}
	case models.PayloadCandidate:
		for _, c := range env.Candidates {
			l.addCandidate(c)
		}
	}

	l.consume(env.ID)
}

func (l *Link) consume(envelopeID string) {
	ctx, cancel := l.opContext()
	defer cancel()
	if err := l.transport.DeleteEnvelope(ctx, l.sessionID, envelopeID); err != nil {
		l.metrics.TransportErrors.WithLabelValues("delete_envelope").Inc()
		l.logger.Warn("Failed to delete consumed envelope", zap.String("envelope_id", envelopeID), zap.Error(err))
	}
}

func (l *Link) handleOffer(offer models.SessionDescription) {
	res, err := l.neg.HandleOffer(offer)
	if res.Ignored {
		l.metrics.OffersIgnored.Inc()
		l.logger.Debug("Ignoring colliding offer")
		return
	}
	if errors.Is(err, ErrCollision) {
		// The polite side cannot roll its offer back; give the link up
		l.metrics.Collisions.Inc()
		l.metrics.PeerFailures.Inc()
		l.teardown(callerr.PeerConnectionFailure(l.remoteID, err))
		return
	}
	if err != nil {
		l.logger.Warn("Failed to accept offer", zap.Error(err))
		return
	}

	l.sendAnswer(models.NewAnswer(l.sessionID, l.selfID, l.remoteID, res.Answer), 0)
	l.flushICE()
}

func (l *Link) sendAnswer(env models.SignalingEnvelope, attempt int) {
	if err := l.write(env); err != nil {
		if attempt >= l.timing.OfferRetries {
			l.logger.Error("Giving up on answer", zap.Error(err))
			return
		}
		l.logger.Warn("Failed to send answer, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		l.after(l.backoff(attempt+1), func() { l.sendAnswer(env, attempt+1) })
	}
}

func (l *Link) handleAnswer(answer models.SessionDescription) {
	applied, err := l.neg.HandleAnswer(answer)
	if err != nil {
		l.logger.Warn("Failed to apply answer", zap.Error(err))
		return
	}
	if !applied {
		l.logger.Debug("Ignoring answer with no outstanding offer")
		return
	}
	l.flushICE()
}

func (l *Link) addCandidate(c models.ICECandidate) {
	if l.pc.HasRemoteDescription() {
		l.applyCandidate(c)
		return
	}
	if !l.ice.Push(c) {
		l.metrics.CandidatesDropped.Inc()
		l.logger.Warn("ICE buffer full, dropping candidate", zap.Int("limit", l.timing.MaxQueuedCandidates))
		return
	}
	l.metrics.CandidatesBuffered.Inc()
}

func (l *Link) applyCandidate(c models.ICECandidate) {
	if err := l.pc.AddICECandidate(c); err != nil {
		if l.neg.IgnoringOffer() {
			l.logger.Debug("Candidate for ignored offer rejected", zap.Error(err))
			return
		}
		l.logger.Warn("Failed to add ICE candidate", zap.Error(err))
	}
}

func (l *Link) flushICE() {
	for _, c := range l.ice.Drain() {
		l.applyCandidate(c)
	}
}

func (l *Link) makeOffer() {
	offer, ok, err := l.neg.BeginOffer()
	if err != nil {
		l.metrics.Negotiations.WithLabelValues("error").Inc()
		l.logger.Warn("Failed to create offer", zap.Error(err))
		return
	}
	if !ok {
		l.logger.Debug("Skipping negotiation", zap.Bool("polite", l.polite))
		return
	}
	defer l.neg.EndOffer()

	l.sendOffer(models.NewOffer(l.sessionID, l.selfID, l.remoteID, offer), 0)
}

// sendOffer writes an applied local offer. The offer stays applied while the
// write is retried; the same envelope goes out each time.
func (l *Link) sendOffer(env models.SignalingEnvelope, attempt int) {
	if err := l.write(env); err != nil {
		l.metrics.Negotiations.WithLabelValues("send_failed").Inc()
		if attempt >= l.timing.OfferRetries {
			l.logger.Error("Giving up on offer", zap.Int("attempts", attempt+1), zap.Error(err))
			return
		}
		l.logger.Warn("Failed to send offer, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		l.after(l.backoff(attempt+1), func() { l.sendOffer(env, attempt+1) })
		return
	}
	l.metrics.Negotiations.WithLabelValues("sent").Inc()
}

func (l *Link) flushCandidates() {
	if len(l.outgoing) == 0 {
		return
	}
	batch := l.outgoing
	l.outgoing = nil

	if err := l.write(models.NewCandidates(l.sessionID, l.selfID, l.remoteID, batch)); err != nil {
		l.candidateFailures++
		if l.candidateFailures > l.timing.CandidateRetries {
			l.logger.Warn("Dropping candidate batch", zap.Int("candidates", len(batch)), zap.Error(err))
			l.candidateFailures = 0
			return
		}
		l.logger.Warn("Failed to send candidates, requeueing", zap.Int("candidates", len(batch)), zap.Error(err))
		l.outgoing = append(batch, l.outgoing...)
		l.batch.Trigger()
		return
	}
	l.candidateFailures = 0
}

func (l *Link) write(env models.SignalingEnvelope) error {
	ctx, cancel := l.opContext()
	defer cancel()

	id, err := l.transport.SendEnvelope(ctx, env)
	if err != nil {
		l.metrics.TransportErrors.WithLabelValues("send_" + string(env.Type)).Inc()
		return callerr.Transport(err, "send "+string(env.Type))
	}
	l.logger.Debug("Envelope sent", zap.String("envelope_id", id), zap.String("type", string(env.Type)))
	l.metrics.EnvelopesSent.WithLabelValues(string(env.Type)).Inc()
	return nil
}

func (l *Link) backoff(attempt int) time.Duration {
	return l.timing.RetryBackoff * time.Duration(attempt)
}

func (l *Link) attachChannel(dc rtc.DataChannel) {
	dc.OnOpen(func() {
		l.post(l.channelOpened)
	})
	dc.OnMessage(func(data []byte) {
		l.post(func() {
			if l.handler.Message != nil {
				l.handler.Message(l.remoteID, data)
			}
		})
	})
	dc.OnClose(func() {
		l.post(func() { l.logger.Debug("Data channel closed") })
	})

	l.mu.Lock()
	l.channel = dc
	l.mu.Unlock()
	if dc.Open() {
		l.post(l.channelOpened)
	}
}

func (l *Link) channelOpened() {
	if l.opened {
		return
	}
	l.opened = true
	l.logger.Debug("Data channel open")
	if l.handler.ChannelOpen != nil {
		l.handler.ChannelOpen(l.remoteID)
	}
}

func (l *Link) stateChanged(s rtc.ConnectionState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()

	l.logger.Info("Peer connection state changed", zap.String("state", s.String()))
	if l.handler.StateChanged != nil {
		l.handler.StateChanged(l.remoteID, s)
	}

	if s.Terminal() {
		var reason error
		if s != rtc.ConnectionClosed {
			l.metrics.PeerFailures.Inc()
			reason = callerr.PeerConnectionFailure(l.remoteID, fmt.Errorf("connection %s", s))
		}
		l.teardown(reason)
	}
}

// abort undoes a partially opened link
func (l *Link) abort() {
	l.closed.Store(true)
	l.negotiate.Stop()
	l.batch.Stop()
	l.pc.Close()
	l.box.Close()
	close(l.done)
}

// teardown is the single exit path: explicit close, connection failure and
// session end all land here
func (l *Link) teardown(reason error) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	unwatch := l.unwatch
	dc := l.channel
	l.channel = nil
	if !l.state.Terminal() {
		l.state = rtc.ConnectionClosed
	}
	l.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	l.negotiate.Stop()
	l.batch.Stop()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil

	if dc != nil {
		dc.Close()
	}
	if err := l.pc.Close(); err != nil {
		l.logger.Debug("Error closing peer connection", zap.Error(err))
	}
	l.ice.Clear()
	l.outgoing = nil
	l.purge()

	l.metrics.PeersActive.Dec()
	if reason != nil {
		l.logger.Warn("Peer link torn down", zap.Error(reason))
	} else {
		l.logger.Info("Peer link closed")
	}
	if l.handler.Closed != nil {
		l.handler.Closed(l.remoteID, reason)
	}

	l.box.Close()
	close(l.done)
}

// purge deletes whatever is left in the transport between the two sides,
// in both directions
func (l *Link) purge() {
	ctx, cancel := l.opContext()
	defer cancel()
	for _, f := range []signaling.Filter{
		{From: l.selfID, To: l.remoteID},
		{From: l.remoteID, To: l.selfID},
	} {
		if err := l.transport.PurgeEnvelopes(ctx, l.sessionID, f); err != nil {
			l.metrics.TransportErrors.WithLabelValues("purge_envelopes").Inc()
			l.logger.Debug("Failed to purge leftover envelopes", zap.String("from", f.From), zap.Error(err))
		}
	}
}
