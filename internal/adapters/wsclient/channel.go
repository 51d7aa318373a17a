// Package wsclient is the client side of the signaling relay: a core.SignalChannel
// over a gorilla/websocket connection that redials with exponential backoff.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	writeWait         = 5 * time.Second
	sendQueueSize     = 32
	subBuffer         = 16
	defaultPingPeriod = 30 * time.Second
)

type Options struct {
	Dialer *websocket.Dialer
	// NewBackOff returns the redial policy for one outage.
	NewBackOff func() backoff.BackOff
	// MaxMessageSize limits inbound frames. Zero means unlimited.
	MaxMessageSize int64
	// PingPeriod paces keepalive pings. A connection silent for 10/9 of it is dropped.
	PingPeriod time.Duration
}

func DefaultBackOff(maxInterval time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 250 * time.Millisecond
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = 0
		return b
	}
}

type subscriber struct {
	ch   chan core.ChannelEvent
	done chan struct{}
}

type Channel struct {
	url    string
	opts   Options
	logger zerolog.Logger

	mu   sync.RWMutex
	send chan core.Frame // nil while disconnected

	subMu sync.RWMutex
	subs  []*subscriber
}

// New prepares a channel for identity self on the relay at rawURL.
func New(rawURL string, self domain.UserID, opts Options) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signal url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signal url scheme %q: want ws or wss", u.Scheme)
	}
	q := u.Query()
	q.Set("userId", string(self))
	u.RawQuery = q.Encode()

	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = DefaultBackOff(10 * time.Second)
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	return &Channel{
		url:    u.String(),
		opts:   opts,
		logger: log.With().Str("module", "wsclient").Str("self", string(self)).Logger(),
	}, nil
}

// Run keeps the channel connected until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		err = c.serve(ctx, conn)
		c.emit(ctx, core.ChannelEvent{Kind: core.ChannelClosed, Err: err})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("signal connection lost, redialing")
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(fmt.Errorf("relay rejected connection: %s", resp.Status))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.opts.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// serve runs both pumps for one connection and returns the error that ended it.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(c.opts.MaxMessageSize)
	}

	send := make(chan core.Frame, sendQueueSize)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
	}()

	c.logger.Info().Msg("signal connection open")
	c.emit(ctx, core.ChannelEvent{Kind: core.ChannelOpened})

	var (
		wg      conc.WaitGroup
		errOnce sync.Once
		cause   error
	)
	stop := func(err error) {
		errOnce.Do(func() { cause = err })
		cancel()
	}
	wg.Go(func() { stop(c.writePump(connCtx, conn, send)) })
	wg.Go(func() { stop(c.readPump(connCtx, conn)) })
	wg.Go(func() {
		<-connCtx.Done()
		_ = conn.Close()
	})
	wg.Wait()
	return cause
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan core.Frame) error {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

// readPump drops the connection once nothing, not even a pong, arrived
// within the pong wait.
func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) error {
	pongWait := c.opts.PingPeriod * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.emit(ctx, core.ChannelEvent{Kind: core.ChannelMessage, Frame: data})
	}
}

// Send queues f on the current connection.
func (c *Channel) Send(ctx context.Context, f core.Frame) error {
	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	if send == nil {
		return core.ErrChannelClosed
	}
	select {
	case send <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return core.ErrBackpressure
	}
}

// Subscribe registers for inbound frames and lifecycle events. Delivery
// blocks the reader while the subscriber buffer is full.
func (c *Channel) Subscribe() (<-chan core.ChannelEvent, func()) {
	s := &subscriber{ch: make(chan core.ChannelEvent, subBuffer), done: make(chan struct{})}
	c.subMu.Lock()
	c.subs = append(c.subs, s)
	c.subMu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			close(s.done)
			c.subMu.Lock()
			c.subs = slices.DeleteFunc(c.subs, func(x *subscriber) bool { return x == s })
			c.subMu.Unlock()
		})
	}
}

func (c *Channel) emit(ctx context.Context, ev core.ChannelEvent) {
	c.subMu.RLock()
	subs := slices.Clone(c.subs)
	c.subMu.RUnlock()
	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

var _ core.SignalChannel = (*Channel)(nil)
