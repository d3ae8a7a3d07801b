// Package rtctest provides an in-process peer-connection network whose
// negotiation rules match WebRTC closely enough to exercise offer collisions,
// candidate ordering and teardown deterministically.
//
// A connection becomes connected once its signaling state is stable with both
// descriptions applied and at least one candidate from the matching remote
// connection has been added. Data channels open once both ends are connected.
package rtctest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/queue"
	"github.com/mossy-p/meshcall/internal/rtc"
)

const candidatePrefix = "candidate:fake "

var (
	ErrClosed         = errors.New("peer connection closed")
	ErrInvalidState   = errors.New("invalid signaling state")
	ErrNoRemote       = errors.New("remote description not set")
	ErrSDPMismatch    = errors.New("description does not match the last one created")
	ErrKindMismatch   = errors.New("track kind does not match sender")
	ErrChannelNotOpen = errors.New("data channel is not open")
)

// Network connects every Conn created through its factories
type Network struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	latest map[[2]string]*Conn
	nextID int
}

func NewNetwork() *Network {
	return &Network{
		conns:  make(map[string]*Conn),
		latest: make(map[[2]string]*Conn),
	}
}

// Factory returns an rtc.Factory creating connections owned by localID
func (n *Network) Factory(localID string) rtc.Factory {
	return &factory{net: n, local: localID}
}

// Conn returns the most recent connection local created towards remote
func (n *Network) Conn(local, remote string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest[[2]string{local, remote}]
}

// Count returns how many connections local has created towards remote
func (n *Network) Count(local, remote string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.conns {
		if c.local == local && c.remote == remote {
			count++
		}
	}
	return count
}

type factory struct {
	net   *Network
	local string
}

func (f *factory) NewPeerConnection(remoteID string) (rtc.PeerConnection, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	c := &Conn{
		net:        n,
		id:         f.local + ">" + remoteID + "#" + strconv.Itoa(n.nextID),
		local:      f.local,
		remote:     remoteID,
		events:     queue.NewMailbox(),
		signaling:  rtc.SignalingStable,
		state:      rtc.ConnectionNew,
		remoteMids: make(map[string]bool),
	}
	n.conns[c.id] = c
	n.latest[[2]string{f.local, remoteID}] = c
	return c, nil
}

type description struct {
	Conn  string      `json:"conn"`
	Seq   int         `json:"seq"`
	Media []mediaLine `json:"media"`
	Data  bool        `json:"data"`
}

type mediaLine struct {
	Mid      string     `json:"mid"`
	Kind     media.Kind `json:"kind"`
	TrackID  string     `json:"trackId"`
	StreamID string     `json:"streamId"`
}

// Conn is a fake rtc.PeerConnection. All state is guarded by the network lock
// and every callback runs on the connection's own event goroutine.
type Conn struct {
	net    *Network
	id     string
	local  string
	remote string
	events *queue.Mailbox

	senders   []*sender
	channels  []*channel
	signaling rtc.SignalingState
	state     rtc.ConnectionState
	closed    bool

	seq                          int
	lastOffer, lastAnswer        string
	pendingLocal, currentLocal   *description
	pendingRemote, currentRemote *description
	peer                         *Conn
	sawPeerCandidate             bool
	gathered                     bool
	needNegotiation              bool

	candidates   []models.ICECandidate
	remoteMids   map[string]bool
	remoteTracks []rtc.RemoteTrack
	localOffers  int

	onCandidate   func(*models.ICECandidate)
	onNegotiation func()
	onState       func(rtc.ConnectionState)
	onTrack       func(rtc.RemoteTrack)
	onChannel     func(rtc.DataChannel)
}

// emit queues fn on the event goroutine. Callers hold the network lock.
func (c *Conn) emit(fn func()) {
	c.events.Post(fn)
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) AddTrack(t media.Track, streamID string) (rtc.Sender, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &sender{
		conn:     c,
		mid:      strconv.Itoa(len(c.senders)),
		kind:     t.Kind(),
		trackID:  t.ID(),
		streamID: streamID,
		track:    t,
	}
	c.senders = append(c.senders, s)
	c.negotiationNeeded()
	return s, nil
}

func (c *Conn) Senders() []rtc.Sender {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	out := make([]rtc.Sender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *Conn) CreateDataChannel(label string) (rtc.DataChannel, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &channel{conn: c, label: label}
	c.channels = append(c.channels, ch)
	if len(c.channels) == 1 {
		c.negotiationNeeded()
	}
	c.pairChannels()
	return ch, nil
}

func (c *Conn) negotiationNeeded() {
	if c.signaling != rtc.SignalingStable {
		c.needNegotiation = true
		return
	}
	c.emit(func() {
		if fn, _, _, _, _ := c.callbacks(); fn != nil {
			fn()
		}
	})
}

func (c *Conn) describe() (string, error) {
	c.seq++
	d := description{Conn: c.id, Seq: c.seq, Data: len(c.channels) > 0}
	for _, s := range c.senders {
		d.Media = append(d.Media, mediaLine{Mid: s.mid, Kind: s.kind, TrackID: s.trackID, StreamID: s.streamID})
	}
	b, err := json.Marshal(d)
	return string(b), err
}

func (c *Conn) CreateOffer() (models.SessionDescription, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return models.SessionDescription{}, ErrClosed
	}
	if c.signaling != rtc.SignalingStable && c.signaling != rtc.SignalingHaveLocalOffer {
		return models.SessionDescription{}, fmt.Errorf("create offer in %s: %w", c.signaling, ErrInvalidState)
	}
	sdp, err := c.describe()
	if err != nil {
		return models.SessionDescription{}, err
	}
	c.lastOffer = sdp
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: sdp}, nil
}

func (c *Conn) CreateAnswer() (models.SessionDescription, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return models.SessionDescription{}, ErrClosed
	}
	if c.signaling != rtc.SignalingHaveRemoteOffer {
		return models.SessionDescription{}, fmt.Errorf("create answer in %s: %w", c.signaling, ErrInvalidState)
	}
	sdp, err := c.describe()
	if err != nil {
		return models.SessionDescription{}, err
	}
	c.lastAnswer = sdp
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: sdp}, nil
}

func parse(sdp string) (*description, error) {
	var d description
	if err := json.Unmarshal([]byte(sdp), &d); err != nil {
		return nil, fmt.Errorf("malformed description: %w", err)
	}
	return &d, nil
}

func (c *Conn) SetLocalDescription(d models.SessionDescription) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch d.Type {
	case models.SDPTypeRollback:
		// pion's signaling table has no local rollback either
		return fmt.Errorf("local rollback in %s: %w", c.signaling, ErrInvalidState)

	case models.SDPTypeOffer:
		if c.signaling != rtc.SignalingStable && c.signaling != rtc.SignalingHaveLocalOffer {
			return fmt.Errorf("set local offer in %s: %w", c.signaling, ErrInvalidState)
		}
		if d.SDP != c.lastOffer {
			return ErrSDPMismatch
		}
		desc, err := parse(d.SDP)
		if err != nil {
			return err
		}
		c.pendingLocal = desc
		c.localOffers++
		c.setSignaling(rtc.SignalingHaveLocalOffer)

	case models.SDPTypeAnswer:
		if c.signaling != rtc.SignalingHaveRemoteOffer {
			return fmt.Errorf("set local answer in %s: %w", c.signaling, ErrInvalidState)
		}
		if d.SDP != c.lastAnswer {
			return ErrSDPMismatch
		}
		desc, err := parse(d.SDP)
		if err != nil {
			return err
		}
		c.currentLocal = desc
		c.currentRemote = c.pendingRemote
		c.pendingRemote = nil
		c.setSignaling(rtc.SignalingStable)
		c.afterStable()

	default:
		return fmt.Errorf("unsupported description type %q: %w", d.Type, ErrInvalidState)
	}

	c.gather()
	return nil
}

func (c *Conn) SetRemoteDescription(d models.SessionDescription) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch d.Type {
	case models.SDPTypeRollback:
		if c.signaling != rtc.SignalingHaveRemoteOffer {
			return fmt.Errorf("remote rollback in %s: %w", c.signaling, ErrInvalidState)
		}
		c.pendingRemote = nil
		c.setSignaling(rtc.SignalingStable)
		c.afterStable()

	case models.SDPTypeOffer:
		if c.signaling != rtc.SignalingStable {
			return fmt.Errorf("set remote offer in %s: %w", c.signaling, ErrInvalidState)
		}
		desc, err := parse(d.SDP)
		if err != nil {
			return err
		}
		c.pendingRemote = desc
		c.bind(desc)
		c.setSignaling(rtc.SignalingHaveRemoteOffer)
		if c.state == rtc.ConnectionNew {
			c.setState(rtc.ConnectionConnecting)
		}

	case models.SDPTypeAnswer:
		if c.signaling != rtc.SignalingHaveLocalOffer {
			return fmt.Errorf("set remote answer in %s: %w", c.signaling, ErrInvalidState)
		}
		desc, err := parse(d.SDP)
		if err != nil {
			return err
		}
		c.currentRemote = desc
		c.currentLocal = c.pendingLocal
		c.pendingLocal = nil
		c.bind(desc)
		c.setSignaling(rtc.SignalingStable)
		c.afterStable()

	default:
		return fmt.Errorf("unsupported description type %q: %w", d.Type, ErrInvalidState)
	}
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.currentRemote != nil || c.pendingRemote != nil
}

func (c *Conn) AddICECandidate(cand models.ICECandidate) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.currentRemote == nil && c.pendingRemote == nil {
		return ErrNoRemote
	}
	c.candidates = append(c.candidates, cand)
	if c.peer != nil && strings.TrimPrefix(cand.Candidate, candidatePrefix) == c.peer.id {
		c.sawPeerCandidate = true
	}
	c.tryConnect()
	return nil
}

func (c *Conn) SignalingState() rtc.SignalingState {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.signaling
}

func (c *Conn) ConnectionState() rtc.ConnectionState {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.state
}

func (c *Conn) OnICECandidate(fn func(*models.ICECandidate)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onCandidate = fn
}

func (c *Conn) OnNegotiationNeeded(fn func()) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onNegotiation = fn
}

func (c *Conn) OnConnectionStateChange(fn func(rtc.ConnectionState)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onState = fn
}

func (c *Conn) OnTrack(fn func(rtc.RemoteTrack)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) OnDataChannel(fn func(rtc.DataChannel)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onChannel = fn
}

func (c *Conn) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closeChannels()
	c.setState(rtc.ConnectionClosed)
	c.signaling = rtc.SignalingClosed
	c.closed = true
	c.events.Close()

	// The far side notices the loss once consent checks stop
	if p := c.peer; p != nil && p.peer == c && !p.state.Terminal() {
		p.closeChannels()
		p.setState(rtc.ConnectionDisconnected)
	}
	return nil
}

// Fail drops the link between this connection and its peer, failing both
func (c *Conn) Fail() {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	for _, x := range []*Conn{c, c.peer} {
		if x == nil || x.closed || x.state.Terminal() {
			continue
		}
		x.closeChannels()
		x.setState(rtc.ConnectionFailed)
	}
}

// RemoteCandidates returns every candidate added, in order
func (c *Conn) RemoteCandidates() []models.ICECandidate {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return append([]models.ICECandidate(nil), c.candidates...)
}

// RemoteTracks returns the tracks announced by the peer
func (c *Conn) RemoteTracks() []rtc.RemoteTrack {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return append([]rtc.RemoteTrack(nil), c.remoteTracks...)
}

// LocalOffers counts offers applied as local descriptions
func (c *Conn) LocalOffers() int {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.localOffers
}

// callbacks returns the registered handlers. Event functions read them when
// they run so registration order relative to events does not matter.
func (c *Conn) callbacks() (neg func(), cand func(*models.ICECandidate), state func(rtc.ConnectionState), track func(rtc.RemoteTrack), dc func(rtc.DataChannel)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.onNegotiation, c.onCandidate, c.onState, c.onTrack, c.onChannel
}

func (c *Conn) setSignaling(s rtc.SignalingState) {
	c.signaling = s
}

func (c *Conn) setState(s rtc.ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	c.emit(func() {
		if _, _, fn, _, _ := c.callbacks(); fn != nil {
			fn(s)
		}
	})
}

func (c *Conn) bind(d *description) {
	if p, ok := c.net.conns[d.Conn]; ok {
		c.peer = p
	}
	for _, m := range d.Media {
		if c.remoteMids[m.Mid] {
			continue
		}
		c.remoteMids[m.Mid] = true
		track := rtc.RemoteTrack{ID: m.TrackID, StreamID: m.StreamID, Kind: m.Kind}
		c.remoteTracks = append(c.remoteTracks, track)
		c.emit(func() {
			if _, _, _, fn, _ := c.callbacks(); fn != nil {
				fn(track)
			}
		})
	}
}

func (c *Conn) afterStable() {
	if c.needNegotiation {
		c.needNegotiation = false
		c.negotiationNeeded()
	}
	c.tryConnect()
}

// gather trickles the single host candidate of this connection
func (c *Conn) gather() {
	if c.gathered {
		return
	}
	c.gathered = true
	mid := "0"
	var index uint16
	cand := models.ICECandidate{Candidate: candidatePrefix + c.id, SDPMid: &mid, SDPMLineIndex: &index}
	c.emit(func() {
		if _, fn, _, _, _ := c.callbacks(); fn != nil {
			fn(&cand)
			fn(nil)
		}
	})
}

func (c *Conn) tryConnect() {
	if c.state.Terminal() || c.state == rtc.ConnectionConnected || c.peer == nil {
		return
	}
	ready := c.signaling == rtc.SignalingStable && c.currentLocal != nil && c.currentRemote != nil
	if !ready || !c.sawPeerCandidate {
		if c.state == rtc.ConnectionNew {
			c.setState(rtc.ConnectionConnecting)
		}
		return
	}
	c.setState(rtc.ConnectionConnected)
	c.pairChannels()
}

func (c *Conn) pairChannels() {
	p := c.peer
	if p == nil || p.peer != c || c.state != rtc.ConnectionConnected || p.state != rtc.ConnectionConnected {
		return
	}
	for _, side := range [][2]*Conn{{c, p}, {p, c}} {
		from, to := side[0], side[1]
		for _, ch := range from.channels {
			if ch.remote != nil || ch.closed {
				continue
			}
			rc := &channel{conn: to, label: ch.label, remote: ch, open: true, inbound: true}
			ch.remote = rc
			ch.open = true
			to.emit(func() {
				if _, _, _, _, fn := to.callbacks(); fn != nil {
					fn(rc)
				}
			})
			to.emit(rc.fireOpen)
			from.emit(ch.fireOpen)
		}
	}
}

func (c *Conn) closeChannels() {
	for _, ch := range c.channels {
		ch.shutdown()
	}
}

type sender struct {
	conn     *Conn
	mid      string
	kind     media.Kind
	trackID  string
	streamID string
	track    media.Track
}

func (s *sender) Track() media.Track {
	s.conn.net.mu.Lock()
	defer s.conn.net.mu.Unlock()
	return s.track
}

func (s *sender) ReplaceTrack(t media.Track) error {
	s.conn.net.mu.Lock()
	defer s.conn.net.mu.Unlock()
	if s.conn.closed {
		return ErrClosed
	}
	if t != nil && t.Kind() != s.kind {
		return ErrKindMismatch
	}
	s.track = t
	return nil
}

type channel struct {
	conn    *Conn
	label   string
	remote  *channel
	open    bool
	closed  bool
	inbound bool

	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func (ch *channel) Label() string { return ch.label }

func (ch *channel) Open() bool {
	ch.conn.net.mu.Lock()
	defer ch.conn.net.mu.Unlock()
	return ch.open && !ch.closed
}

func (ch *channel) Send(data []byte) error {
	ch.conn.net.mu.Lock()
	defer ch.conn.net.mu.Unlock()
	if !ch.open || ch.closed || ch.remote == nil {
		return ErrChannelNotOpen
	}
	rc := ch.remote
	msg := append([]byte(nil), data...)
	rc.conn.emit(func() {
		rc.conn.net.mu.Lock()
		fn := rc.onMessage
		rc.conn.net.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})
	return nil
}

func (ch *channel) OnOpen(fn func()) {
	ch.conn.net.mu.Lock()
	defer ch.conn.net.mu.Unlock()
	ch.onOpen = fn
}

func (ch *channel) OnMessage(fn func([]byte)) {
	ch.conn.net.mu.Lock()
	defer ch.conn.net.mu.Unlock()
	ch.onMessage = fn
}

func (ch *channel) OnClose(fn func()) {
	ch.conn.net.mu.Lock()
	defer ch.conn.net.mu.Unlock()
	ch.onClose = fn
}

func (ch *channel) Close() error {
	ch.conn.net.mu.Lock()
	defer ch.conn.net.mu.Unlock()
	ch.shutdown()
	return nil
}

// shutdown closes both ends. Callers hold the network lock.
func (ch *channel) shutdown() {
	for _, x := range []*channel{ch, ch.remote} {
		if x == nil || x.closed {
			continue
		}
		x.closed = true
		x.open = false
		x.conn.emit(x.fireClose)
	}
}

func (ch *channel) fireOpen() {
	ch.conn.net.mu.Lock()
	fn := ch.onOpen
	ch.conn.net.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (ch *channel) fireClose() {
	ch.conn.net.mu.Lock()
	fn := ch.onClose
	ch.conn.net.mu.Unlock()
	if fn != nil {
		fn()
	}
}
