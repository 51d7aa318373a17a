package commands

import (
	"context"
	"fmt"

	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <peer>",
	Short: "Call a peer and stay in the call until either side hangs up",
	Args:  cobra.ExactArgs(1),
	RunE:  runCall,
}

func runCall(cmd *cobra.Command, args []string) error {
	peer, err := domain.ParseUserID(args[0])
	if err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	c, err := newClient(cmd.Flags())
	if err != nil {
		return err
	}

	dialed := false
	return c.run(cmd.Context(), func(ctx context.Context, s call.Snapshot) error {
		switch {
		case !dialed && s.ChannelOpen && s.State == call.Idle:
			tracks, err := c.capture(ctx)
			if err != nil {
				return err
			}
			if err := c.machine.InitiateCall(ctx, peer, tracks); err != nil {
				stopAll(tracks)
				return fmt.Errorf("initiate call: %w", err)
			}
			dialed = true
		case dialed && s.State == call.Idle:
			return callEnded(s)
		}
		return nil
	})
}
