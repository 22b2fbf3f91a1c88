// Package cli implements command line interface for iceagent.
package cli

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

const defaultConfigFileContent = `version: "1"
agent:
  role: controlling
  nomination: regular
  tick: 500ms
  rto: 500ms
  max-requests: 7
  max-in-flight: 4
  keepalive: true
  refresh: 15s
  reuseport: true
  # Static host addresses, interfaces are gathered if empty.
  addrs: []
  # Port range for host candidates, ephemeral ports if not set.
  # ports:
  #   min: 50000
  #   max: 50100
  # STUN server for server reflexive candidates.
  stun: ""
  sockets:
    - name: audio
      components: 1
  # Reload on config file change.
  watch: false
  # prometheus:
  #   addr: "localhost:9200"
  log:
    level: info
filter:
  host:
    action: allow
    rules:
      # Docker bridge.
      - net: "172.17.0.0/16"
        action: deny
  remote:
    action: allow
api:
  addr: "localhost:3257"
`

// getZapConfig decodes zap logging configuration from
// configuration file.
func getZapConfig(v *viper.Viper) (zap.Config, error) {
	// agent.log
	type cfgWrapper struct {
		Agent struct {
			Log zap.Config `yaml:"log"`
		} `yaml:"agent"`
	}

	// Default logging configuration.
	d := zap.Config{
		DisableCaller:     true,
		DisableStacktrace: true,
		Level:             zap.NewAtomicLevel(),
		Development:       false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.EpochTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if v.GetBool("agent.development") {
		// If in development mode, default to development logger
		// configuration.
		d = zap.NewDevelopmentConfig()
	}
	if v.ConfigFileUsed() == "" {
		return d, nil
	}

	// Parsing yaml directly.
	raw := &cfgWrapper{}
	raw.Agent.Log = d
	buf, readErr := ioutil.ReadFile(v.ConfigFileUsed())
	if readErr != nil {
		return d, readErr
	}
	if err := yaml.Unmarshal(buf, raw); err != nil {
		return d, err
	}
	return raw.Agent.Log, nil
}

func getLogger(v *viper.Viper) *zap.Logger {
	logCfg, logErr := getZapConfig(v)
	if logErr != nil {
		panic(logErr)
	}
	l, buildErr := logCfg.Build()
	if buildErr != nil {
		panic(buildErr)
	}
	return l
}

func mustBind(err error) {
	if err != nil {
		log.Fatalln("failed to bind:", err)
	}
}

func initConfigCommon(v *viper.Viper) {
	home, err := homedir.Dir()
	if err != nil {
		log.Fatalln("failed to find home directory:", err)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iceagent/")
	v.AddConfigPath(home)
}

// readDefaultConfig reads embedded default configuration.
func readDefaultConfig(v *viper.Viper) error {
	v.SetConfigType("yaml")
	return v.ReadConfig(strings.NewReader(defaultConfigFileContent))
}

func initConfig(v *viper.Viper, cfgFile string) {
	if cfgFile != "" {
		// Use config file from the flag.
		v.SetConfigFile(cfgFile)
	} else {
		initConfigCommon(v)
		v.SetConfigName("iceagent")
		v.SetConfigType("yaml")
	}
	cfgErr := v.ReadInConfig()
	if _, ok := cfgErr.(viper.ConfigFileNotFoundError); ok {
		cfgErr = readDefaultConfig(v)
	}
	if cfgErr != nil {
		log.Fatalln("failed to read config:", cfgErr)
	}
}

func initViper(v *viper.Viper) {
	v.SetDefault("version", "1")
	v.SetDefault("agent.role", "controlling")
	v.SetDefault("agent.nomination", "regular")
	v.SetDefault("agent.reuseport", true)
	v.SetDefault("agent.keepalive", true)
}

func getViper() *viper.Viper {
	v := viper.New()
	initViper(v)
	return v
}

func getRoot(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:              "iceagent",
		Short:            "iceagent is ICE connectivity agent",
		PersistentPreRun: func(cmd *cobra.Command, args []string) { initConfig(v, cfgFile) },
		Run:              func(cmd *cobra.Command, args []string) { runRoot(v) },
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/iceagent.yml)")
	cmd.Flags().String("pprof", "", "pprof address if specified")
	cmd.Flags().String("api", "", "management api address")
	cmd.Flags().Bool("controlled", false, "start in controlled role")

	mustBind(v.BindPFlag("agent.pprof", cmd.Flags().Lookup("pprof")))
	mustBind(v.BindPFlag("api.addr", cmd.Flags().Lookup("api")))
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if controlled, _ := cmd.Flags().GetBool("controlled"); controlled {
			v.Set("agent.role", "controlled")
		}
	}

	cmd.AddCommand(getReloadCmd(v))
	cmd.AddCommand(getStatusCmd(v))
	cmd.AddCommand(getRestartCmd(v))
	cmd.AddCommand(getGatherCmd(v))
	cmd.AddCommand(getCredentialsCmd())

	return cmd
}

// Execute starts root command.
func Execute() {
	rootCmd := getRoot(getViper())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
