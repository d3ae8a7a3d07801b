package peer

import (
	"errors"
	"fmt"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/rtc"
)

// ErrCollision is returned when a remote offer crosses a local offer on the
// polite side. A local offer cannot be rolled back, so the connection is
// unusable.
var ErrCollision = errors.New("remote offer collided with local offer")

// Negotiator holds the perfect-negotiation flags of one connection. It is
// driven from a single goroutine.
type Negotiator struct {
	pc     rtc.PeerConnection
	polite bool

	makingOffer bool
	ignoreOffer bool
}

func NewNegotiator(pc rtc.PeerConnection, polite bool) *Negotiator {
	return &Negotiator{pc: pc, polite: polite}
}

func (n *Negotiator) Polite() bool        { return n.polite }
func (n *Negotiator) MakingOffer() bool   { return n.makingOffer }
func (n *Negotiator) IgnoringOffer() bool { return n.ignoreOffer }

// Collision reports whether a remote offer arriving now would cross ours
func (n *Negotiator) Collision() bool {
	return n.makingOffer || n.pc.SignalingState() != rtc.SignalingStable
}

// BeginOffer creates and applies a local offer. It returns false without an
// error when an offer is already in flight or the connection is not stable.
// The polite side does not offer until it has applied the impolite side's
// first offer, so the two never race on the initial exchange.
// Callers must call EndOffer once the offer has been sent or abandoned.
func (n *Negotiator) BeginOffer() (models.SessionDescription, bool, error) {
	if n.makingOffer || n.pc.SignalingState() != rtc.SignalingStable {
		return models.SessionDescription{}, false, nil
	}
	if n.polite && !n.pc.HasRemoteDescription() {
		return models.SessionDescription{}, false, nil
	}
	n.makingOffer = true

	offer, err := n.pc.CreateOffer()
	if err != nil {
		n.makingOffer = false
		return models.SessionDescription{}, false, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.makingOffer = false
		return models.SessionDescription{}, false, fmt.Errorf("set local offer: %w", err)
	}
	return offer, true, nil
}

func (n *Negotiator) EndOffer() {
	n.makingOffer = false
}

// OfferResult describes how a remote offer was handled
type OfferResult struct {
	Answer  models.SessionDescription
	Ignored bool
}

// HandleOffer applies a remote offer and returns the answer to send. The
// impolite side ignores an offer that collides with its own; on the polite
// side a collision fails with ErrCollision.
func (n *Negotiator) HandleOffer(offer models.SessionDescription) (OfferResult, error) {
	collision := n.Collision()
	n.ignoreOffer = !n.polite && collision
	if n.ignoreOffer {
		return OfferResult{Ignored: true}, nil
	}
	if collision {
		return OfferResult{}, fmt.Errorf("%w in %s", ErrCollision, n.pc.SignalingState())
	}

	var res OfferResult
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return res, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return res, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return res, fmt.Errorf("set local answer: %w", err)
	}
	res.Answer = answer
	return res, nil
}

// HandleAnswer applies a remote answer. It reports false for an answer that
// matches no outstanding offer.
func (n *Negotiator) HandleAnswer(answer models.SessionDescription) (bool, error) {
	if n.pc.SignalingState() != rtc.SignalingHaveLocalOffer {
		return false, nil
	}
	n.ignoreOffer = false
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("set remote answer: %w", err)
	}
	return true, nil
}
