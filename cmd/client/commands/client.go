package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dkeye/peercall/internal/adapters/media"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/adapters/wsclient"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/pflag"
)

var errCallEnded = errors.New("call ended")

// client wires one identity: relay channel, call machine and local capture.
type client struct {
	cfg     *config.Config
	self    domain.UserID
	channel *wsclient.Channel
	machine *call.Machine
	source  *media.Source
}

func newClient(flags *pflag.FlagSet) (*client, error) {
	cfg, err := config.Load(flags)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	raw := cfg.Client.UserID
	if raw == "" {
		raw = "guest-" + uuid.NewString()[:8]
	}
	self, err := domain.ParseUserID(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	channel, err := wsclient.New(cfg.Client.SignalURL, self, wsclient.Options{
		NewBackOff:     wsclient.DefaultBackOff(cfg.Client.RedialMax),
		MaxMessageSize: cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
	})
	if err != nil {
		return nil, err
	}

	api, err := rtc.NewAPI(rtc.APIConfig{
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAliveInterval:   cfg.ICE.KeepAliveInterval,
	})
	if err != nil {
		return nil, err
	}

	machine := call.New(call.Config{
		Self:                     self,
		ICEServers:               cfg.ICE.WebRTC(),
		DisconnectTimeout:        cfg.Call.DisconnectTimeout,
		RingTimeout:              cfg.Call.RingTimeout,
		MaxRenegotiationFailures: cfg.Call.MaxRenegotiationFailures,
	}, channel, rtc.NewFactory(api, self))

	log.Info().Str("module", "client").Str("self", string(self)).Str("relay", cfg.Client.SignalURL).Msg("client ready")
	return &client{cfg: cfg, self: self, channel: channel, machine: machine, source: media.NewSource(nil)}, nil
}

// capture starts fresh local tracks; the machine stops them when the call ends.
func (c *client) capture(ctx context.Context) ([]core.LocalTrack, error) {
	tracks, err := c.source.Capture(ctx, media.Constraints{Audio: true})
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return tracks, nil
}

func (c *client) answer(ctx context.Context) error {
	tracks, err := c.capture(ctx)
	if err != nil {
		return err
	}
	if err := c.machine.AnswerCall(ctx, tracks); err != nil {
		stopAll(tracks)
		return err
	}
	return nil
}

func stopAll(tracks []core.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

// run drives the channel, the machine, the console and watch until ctx is
// done or one of them fails. errCallEnded is a clean exit.
func (c *client) run(ctx context.Context, watch func(ctx context.Context, s call.Snapshot) error) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(c.channel.Run)
	p.Go(c.machine.Run)
	p.Go(func(ctx context.Context) error { return c.watch(ctx, watch) })
	go c.console(ctx)

	err := p.Wait()
	switch {
	case errors.Is(err, errCallEnded):
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("module", "client").Msg("client stopped")
	}
	return err
}

func (c *client) watch(ctx context.Context, fn func(ctx context.Context, s call.Snapshot) error) error {
	snaps, unsubscribe := c.machine.Subscribe()
	defer unsubscribe()
	var last call.Snapshot
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-snaps:
			if s.State != last.State || s.ChannelOpen != last.ChannelOpen {
				log.Info().Str("module", "client").
					Stringer("state", s.State).
					Str("peer", string(s.Peer)).
					Bool("relay", s.ChannelOpen).
					Msg("call state")
			}
			last = s
			if err := fn(ctx, s); err != nil {
				return err
			}
		}
	}
}

// console maps single-letter stdin commands onto machine operations.
func (c *client) console(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var err error
		switch strings.TrimSpace(scanner.Text()) {
		case "a":
			err = c.answer(ctx)
		case "h":
			err = c.machine.HangUp(ctx)
		case "m":
			var muted bool
			if muted, err = c.machine.ToggleAudioMute(ctx); err == nil {
				fmt.Printf("audio muted: %t\n", muted)
			}
		case "v":
			var muted bool
			if muted, err = c.machine.ToggleVideoMute(ctx); err == nil {
				fmt.Printf("video muted: %t\n", muted)
			}
		case "":
			continue
		default:
			fmt.Println("commands: a(nswer) h(angup) m(ute audio) v(ideo mute)")
			continue
		}
		if err != nil {
			fmt.Println("error:", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func callEnded(s call.Snapshot) error {
	if s.LastError != nil {
		fmt.Println("call ended:", s.LastError)
	} else {
		fmt.Println("call ended")
	}
	return errCallEnded
}
