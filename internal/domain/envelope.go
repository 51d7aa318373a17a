package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is the value of the "type" field of every frame crossing the relay.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindHangup    Kind = "hangup"

	// Chat kinds are forwarded by the relay but never reach the call machine.
	KindMessage  Kind = "message"
	KindTyping   Kind = "typing"
	KindPresence Kind = "presence"
	KindError    Kind = "error"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnsupportedKind   = errors.New("unsupported envelope kind")
)

// Header is the routing part shared by every frame.
type Header struct {
	Type       Kind   `json:"type"`
	SenderID   UserID `json:"senderId,omitempty"`
	ReceiverID UserID `json:"receiverId,omitempty"`
}

// ParseHeader decodes only the routing fields, leaving the payload untouched.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if h.Type == "" {
		return Header{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return h, nil
}

// Envelope is a call-signaling message. The set of implementations is closed:
// Offer, Answer, Candidate and Hangup.
type Envelope interface {
	Route() Header
	Dispatch(EnvelopeHandler)
	sealed()
}

// EnvelopeHandler receives a decoded envelope by variant.
type EnvelopeHandler interface {
	HandleOffer(Offer)
	HandleAnswer(Answer)
	HandleCandidate(Candidate)
	HandleHangup(Hangup)
}

type Offer struct {
	From, To UserID
	SDP      webrtc.SessionDescription
}

type Answer struct {
	From, To UserID
	SDP      webrtc.SessionDescription
}

type Candidate struct {
	From, To  UserID
	Candidate webrtc.ICECandidateInit
}

type Hangup struct {
	From, To UserID
}

func (e Offer) Route() Header     { return Header{Type: KindOffer, SenderID: e.From, ReceiverID: e.To} }
func (e Answer) Route() Header    { return Header{Type: KindAnswer, SenderID: e.From, ReceiverID: e.To} }
func (e Candidate) Route() Header { return Header{Type: KindCandidate, SenderID: e.From, ReceiverID: e.To} }
func (e Hangup) Route() Header    { return Header{Type: KindHangup, SenderID: e.From, ReceiverID: e.To} }

func (e Offer) Dispatch(h EnvelopeHandler)     { h.HandleOffer(e) }
func (e Answer) Dispatch(h EnvelopeHandler)    { h.HandleAnswer(e) }
func (e Candidate) Dispatch(h EnvelopeHandler) { h.HandleCandidate(e) }
func (e Hangup) Dispatch(h EnvelopeHandler)    { h.HandleHangup(e) }

func (Offer) sealed()     {}
func (Answer) sealed()    {}
func (Candidate) sealed() {}
func (Hangup) sealed()    {}

// wireEnvelope mirrors the browser client's JSON: payloads sit in top-level
// fields named after the kind.
type wireEnvelope struct {
	Header
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// EncodeEnvelope produces the JSON frame sent over the signaling channel.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	w := wireEnvelope{Header: env.Route()}
	switch e := env.(type) {
	case Offer:
		w.Offer = &e.SDP
	case Answer:
		w.Answer = &e.SDP
	case Candidate:
		w.Candidate = &e.Candidate
	case Hangup:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKind, env)
	}
	return json.Marshal(w)
}

// DecodeEnvelope parses a frame into one of the call-signaling variants.
// Chat kinds yield ErrUnsupportedKind. Call kinds must name a valid sender
// and receiver.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	switch w.Type {
	case KindOffer, KindAnswer, KindCandidate, KindHangup:
		if err := checkRoute(w.Header); err != nil {
			return nil, err
		}
	}
	from, to := w.SenderID, w.ReceiverID
	switch w.Type {
	case KindOffer:
		if w.Offer == nil {
			return nil, fmt.Errorf("%w: offer without description", ErrMalformedEnvelope)
		}
		return Offer{From: from, To: to, SDP: *w.Offer}, nil
	case KindAnswer:
		if w.Answer == nil {
			return nil, fmt.Errorf("%w: answer without description", ErrMalformedEnvelope)
		}
		return Answer{From: from, To: to, SDP: *w.Answer}, nil
	case KindCandidate:
		if w.Candidate == nil {
			return nil, fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedEnvelope)
		}
		return Candidate{From: from, To: to, Candidate: *w.Candidate}, nil
	case KindHangup:
		return Hangup{From: from, To: to}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, w.Type)
	}
}

func checkRoute(h Header) error {
	for _, id := range []UserID{h.SenderID, h.ReceiverID} {
		parsed, err := ParseUserID(string(id))
		if err != nil {
			return fmt.Errorf("%w: %s route: %w", ErrMalformedEnvelope, h.Type, err)
		}
		if parsed != id {
			return fmt.Errorf("%w: %s route: %w", ErrMalformedEnvelope, h.Type, ErrUserIDInvalid)
		}
	}
	return nil
}
