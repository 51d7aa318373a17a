package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/peercall/internal/app/call"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for incoming calls",
	RunE:  runListen,
}

func init() {
	listenCmd.Flags().Bool("auto-answer", false, "answer incoming calls without asking")
	listenCmd.Flags().Bool("once", false, "exit after the first call ends")
}

func runListen(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd.Flags())
	if err != nil {
		return err
	}
	once, _ := cmd.Flags().GetBool("once")

	var answering *time.Timer
	ringing, inCall := false, false
	return c.run(cmd.Context(), func(ctx context.Context, s call.Snapshot) error {
		switch s.State {
		case call.Receiving:
			if ringing {
				return nil
			}
			ringing = true
			if !c.cfg.Client.AutoAnswer {
				fmt.Printf("incoming call from %s, type 'a' to answer or 'h' to decline\n", s.Peer)
				return nil
			}
			answering = time.AfterFunc(c.cfg.Client.AnswerWithin, func() {
				if err := c.answer(ctx); err != nil {
					log.Warn().Err(err).Str("module", "client").Msg("auto answer")
				}
			})
		case call.Connected:
			ringing, inCall = false, true
		case call.Idle:
			ringing = false
			if answering != nil {
				answering.Stop()
				answering = nil
			}
			if inCall {
				inCall = false
				if once {
					return callEnded(s)
				}
				fmt.Println("call ended, listening")
			}
		}
		return nil
	})
}
