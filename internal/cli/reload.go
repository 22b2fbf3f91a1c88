package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// callAPI performs request to management endpoint of running agent and
// writes trimmed response body to stdout.
func callAPI(v *viper.Viper, f *pflag.FlagSet, method, path string, stdout io.Writer) error {
	logCfg, err := getZapConfig(v)
	if err != nil {
		return err
	}
	silent, err := f.GetBool("silent")
	if err != nil {
		return err
	}
	if silent {
		// Override level to silent logs.
		logCfg.Level.SetLevel(zapcore.WarnLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		return err
	}
	l := log.Sugar()
	if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
		l.Infow("config file used", "path", v.ConfigFileUsed())
	} else {
		l.Info("default configuration used")
	}
	if strings.Split(v.GetString("version"), ".")[0] != "1" {
		return errors.Errorf("unsupported config file version %q", v.GetString("version"))
	}
	apiAddr := v.GetString("api.addr")
	if apiAddr == "" {
		return errors.New("no api.addr config set")
	}
	req, err := http.NewRequest(method, "http://"+apiAddr+path, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to perform http request")
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			l.Warnw("failed to close body", "err", closeErr)
		}
	}()
	if res.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code %d (%s)", res.StatusCode, res.Status)
	}
	body := new(bytes.Buffer)
	if _, err = io.Copy(body, res.Body); err != nil {
		l.Warnw("failed to read body", "err", err)
	}
	if _, err = fmt.Fprintln(stdout, "OK", "-", strings.TrimSpace(body.String())); err != nil {
		l.Warn("write to stdout failed", zap.Error(err))
	}
	return nil
}

func getAPICmd(v *viper.Viper, use, short, method, path string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(v, cmd.Flags(), method, path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolP("silent", "s", true, "log only errors")
	return cmd
}

func getReloadCmd(v *viper.Viper) *cobra.Command {
	return getAPICmd(v, "reload", "notify agent about config change via api", http.MethodGet, "/reload")
}

func getStatusCmd(v *viper.Viper) *cobra.Command {
	return getAPICmd(v, "status", "print status of running agent", http.MethodGet, "/status")
}

func getRestartCmd(v *viper.Viper) *cobra.Command {
	return getAPICmd(v, "restart", "restart ICE of running agent", http.MethodPost, "/restart?hard=1")
}
