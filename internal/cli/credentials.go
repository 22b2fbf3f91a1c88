package cli

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gortc/iceagent/agent"
)

// execCredentials writes random ICE credentials and tie-breaker to stdout,
// or short-term integrity key if password flag is set.
func execCredentials(f *pflag.FlagSet, r io.Reader, stdout io.Writer) error {
	p, err := f.GetString("password")
	if err != nil {
		return errors.Wrap(err, "failed to get password")
	}
	if p != "" {
		_, err = fmt.Fprintf(stdout, "0x%s\n", hex.EncodeToString(stun.NewShortTermIntegrity(p)))
		return err
	}
	c, err := agent.NewCredentials(r)
	if err != nil {
		return err
	}
	tieBreaker, err := agent.NewTieBreaker(r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "ice-ufrag:%s\nice-pwd:%s\ntie-breaker:%d\n",
		c.Ufrag, c.Password, tieBreaker,
	)
	return err
}

func getCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "generate ICE credentials or short-term integrity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execCredentials(cmd.Flags(), nil, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP("password", "p", "", "print integrity key of password")
	return cmd
}
