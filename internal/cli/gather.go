package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iceagent/agent"
)

type nopHandler struct{}

func (nopHandler) HandlePacket(local, remote net.Addr, raw []byte) {}

// execGather gathers candidates of every configured socket, writes them in
// wire format to stdout and releases transports.
func execGather(ctx context.Context, v *viper.Viper, l *zap.Logger, stdout io.Writer) error {
	d, harvesters, err := getCollaborators(v, l)
	if err != nil {
		return err
	}
	sockets, err := parseSockets(v)
	if err != nil {
		return err
	}
	var locals []*agent.LocalCandidate
	defer func() {
		var closeErr error
		for _, c := range locals {
			if c.Conn != nil {
				closeErr = multierr.Append(closeErr, c.Conn.Close())
			}
		}
		if closeErr != nil {
			l.Warn("failed to close", zap.Error(closeErr))
		}
	}()
	for _, s := range sockets {
		hosts, discoverErr := d.Discover(ctx, s, nopHandler{})
		if discoverErr != nil {
			return discoverErr
		}
		locals = append(locals, hosts...)
		found := hosts
		for _, h := range harvesters {
			derived, harvestErr := h.Harvest(ctx, hosts)
			if harvestErr != nil {
				l.Warn("harvest failed", zap.String("harvester", h.Name()), zap.Error(harvestErr))
			}
			found = append(found, derived...)
		}
		for _, c := range found {
			if _, err = fmt.Fprintf(stdout, "%s %s\n", s.Name, c.Marshal()); err != nil {
				return err
			}
		}
	}
	return nil
}

func getGatherCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gather",
		Short: "print local candidates",
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(v)
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				l.Fatal("failed to get timeout", zap.Error(err))
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err = execGather(ctx, v, l, cmd.OutOrStdout()); err != nil {
				l.Fatal("failed to gather", zap.Error(err))
			}
		},
	}
	cmd.Flags().Duration("timeout", time.Second*10, "gathering timeout")
	cmd.Flags().String("stun", "", "STUN server address")
	mustBind(v.BindPFlag("agent.stun", cmd.Flags().Lookup("stun")))
	return cmd
}
