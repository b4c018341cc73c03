package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/peertransport"
)

func newSubmitCommand() *cobra.Command {
	var (
		peerID   string
		peerAddr string
		script   string
		data     string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new particle to a running peer over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if peerAddr == "" {
				return fmt.Errorf("--peer-addr is required")
			}
			if peerID == "" {
				return fmt.Errorf("--peer-id is required")
			}

			target := domain.PeerID(peerID)
			sender := peertransport.NewGRPCSender(map[domain.PeerID]string{target: peerAddr})
			defer sender.Close()

			p := domain.Particle{
				ID:        uuid.NewString(),
				InitPeer:  target,
				Timestamp: time.Now().UnixMilli(),
				TTL:       ttl.Milliseconds(),
				Script:    script,
				Data:      []byte(data),
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sender.Deliver(ctx, target, p); err != nil {
				return fmt.Errorf("deliver particle: %w", err)
			}

			fmt.Fprintln(os.Stdout, p.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&peerID, "peer-id", "", "peer ID the particle is addressed to")
	cmd.Flags().StringVar(&peerAddr, "peer-addr", "", "gRPC address of the target peer")
	cmd.Flags().StringVar(&script, "script", `{"calls":[]}`, "AIR script JSON")
	cmd.Flags().StringVar(&data, "data", "", "initial particle data")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Minute, "particle time to live")

	return cmd
}
