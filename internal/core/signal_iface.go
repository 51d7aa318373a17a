package core

import (
	"context"
	"errors"
)

var (
	ErrChannelClosed = errors.New("signal channel closed")
	ErrBackpressure  = errors.New("send queue full")
)

// Frame is one text message on the signaling transport.
type Frame []byte

// SignalConnection abstracts the server side of a client transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

type ChannelEventKind int

const (
	ChannelMessage ChannelEventKind = iota
	ChannelOpened
	ChannelClosed
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelMessage:
		return "message"
	case ChannelOpened:
		return "opened"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// ChannelEvent is delivered to subscribers of a SignalChannel.
// Frame is set for ChannelMessage, Err may be set for ChannelClosed.
type ChannelEvent struct {
	Kind  ChannelEventKind
	Frame Frame
	Err   error
}

// SignalChannel is the client side of the signaling transport.
type SignalChannel interface {
	// Send fails with ErrChannelClosed when the channel is not open.
	Send(ctx context.Context, f Frame) error
	// Subscribe returns inbound frames and lifecycle events in arrival order.
	// The returned func detaches the subscriber.
	Subscribe() (<-chan ChannelEvent, func())
}
