package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
)

// PionFactory builds pion peer connections sharing one API instance
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
}

type pionOptions struct {
	loopback bool
	codecs   func(*webrtc.MediaEngine)
}

type PionOption func(*pionOptions)

// WithLoopbackCandidates gathers loopback candidates, for same-host peers
func WithLoopbackCandidates() PionOption {
	return func(o *pionOptions) { o.loopback = true }
}

// WithCodecs replaces the default codec registration, e.g. with the codecs
// of a device capture
func WithCodecs(fn func(*webrtc.MediaEngine)) PionOption {
	return func(o *pionOptions) { o.codecs = fn }
}

func NewPionFactory(iceServers []webrtc.ICEServer, logger *zap.Logger, opts ...PionOption) (*PionFactory, error) {
	var o pionOptions
	for _, opt := range opts {
		opt(&o)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if o.codecs != nil {
		o.codecs(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewZapLoggerFactory(logger)}
	se.SetIncludeLoopbackCandidate(o.loopback)

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
		logger: logger,
	}, nil
}

func (f *PionFactory) NewPeerConnection(remoteID string) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeer{pc: pc, logger: f.logger.With(zap.String("peer", remoteID))}, nil
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu      sync.Mutex
	senders []Sender
}

func (p *pionPeer) AddTrack(t media.Track, streamID string) (Sender, error) {
	local := t.Local()
	if local == nil {
		return nil, fmt.Errorf("track %s has no pion source", t.ID())
	}
	// pion takes the stream id from the TrackLocal itself
	rtpSender, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
	}

	// RTCP has to be read for interceptors like NACK to work
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	s := &pionSender{sender: rtpSender, track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *pionPeer) Senders() []Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sender(nil), p.senders...)
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %s: %w", label, err)
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionPeer) CreateOffer() (models.SessionDescription, error) {
	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(sd), nil
}

func (p *pionPeer) CreateAnswer() (models.SessionDescription, error) {
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(sd), nil
}

func (p *pionPeer) SetLocalDescription(d models.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(d))
}

func (p *pionPeer) SetRemoteDescription(d models.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(d))
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(c models.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) SignalingState() SignalingState {
	return SignalingState(p.pc.SignalingState().String())
}

func (p *pionPeer) ConnectionState() ConnectionState {
	return ConnectionState(p.pc.ConnectionState().String())
}

func (p *pionPeer) OnICECandidate(fn func(*models.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(ConnectionState(s.String()))
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{
			ID:       remote.ID(),
			StreamID: remote.StreamID(),
			Kind:     media.KindFromCodecType(remote.Kind()),
		})
		// Nothing renders media here; drain it so the receive buffers never fill
		go func() {
			for {
				if _, _, err := remote.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
}

func (p *pionPeer) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func toPion(d models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromPion(sd webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: models.SDPType(sd.Type.String()), SDP: sd.SDP}
}

type pionSender struct {
	sender *webrtc.RTPSender

	mu    sync.Mutex
	track media.Track
}

func (s *pionSender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *pionSender) ReplaceTrack(t media.Track) error {
	var local webrtc.TrackLocal
	if t != nil {
		if local = t.Local(); local == nil {
			return fmt.Errorf("track %s has no pion source", t.ID())
		}
	}
	if err := s.sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("failed to replace track: %w", err)
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

var errChannelNotOpen = errors.New("data channel is not open")

func (c *pionChannel) Label() string { return c.dc.Label() }
func (c *pionChannel) Open() bool    { return c.dc.ReadyState() == webrtc.DataChannelStateOpen }

func (c *pionChannel) Send(data []byte) error {
	if !c.Open() {
		return errChannelNotOpen
	}
	return c.dc.Send(data)
}

func (c *pionChannel) OnOpen(fn func())  { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}

func (c *pionChannel) Close() error { return c.dc.Close() }
