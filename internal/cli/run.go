package cli

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gortc/iceagent/agent"
	"github.com/gortc/iceagent/internal/filter"
	"github.com/gortc/iceagent/internal/gather"
	"github.com/gortc/iceagent/internal/manage"
	"github.com/gortc/iceagent/internal/reload"
)

func parseRole(s string) (agent.Role, error) {
	switch strings.ToLower(s) {
	case "controlling", "":
		return agent.Controlling, nil
	case "controlled":
		return agent.Controlled, nil
	default:
		return agent.Controlling, errors.Errorf("unknown role %q", s)
	}
}

func parseNomination(s string) (agent.NominationType, error) {
	switch strings.ToLower(s) {
	case "regular", "":
		return agent.Regular, nil
	case "aggressive":
		return agent.Aggressive, nil
	default:
		return agent.Regular, errors.Errorf("unknown nomination %q", s)
	}
}

func parseFilter(v *viper.Viper, l *zap.Logger, key string) (*filter.List, error) {
	var rules []filter.RawRule
	if err := v.UnmarshalKey("filter."+key+".rules", &rules); err != nil {
		return nil, errors.Wrap(err, "failed to parse rules")
	}
	f, err := filter.Parse(v.GetString("filter."+key+".action"), rules)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s filter", key)
	}
	l.Info("filter parsed", zap.String("key", key), zap.Int("rules", len(rules)))
	return f, nil
}

type socketElem struct {
	Name       string `mapstructure:"name"`
	Components int    `mapstructure:"components"`
}

func parseSockets(v *viper.Viper) ([]agent.Socket, error) {
	var raw []socketElem
	if err := v.UnmarshalKey("agent.sockets", &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse sockets")
	}
	if len(raw) == 0 {
		return []agent.Socket{{Name: "audio", Components: 1}}, nil
	}
	sockets := make([]agent.Socket, 0, len(raw))
	seen := make(map[string]bool)
	for _, s := range raw {
		if s.Name == "" || seen[s.Name] {
			return nil, errors.Errorf("bad socket name %q", s.Name)
		}
		seen[s.Name] = true
		sockets = append(sockets, agent.Socket{Name: s.Name, Components: s.Components})
	}
	return sockets, nil
}

// parseOptions parses agent options from config. Collaborators (discoverer,
// harvesters, signaler, registry) are not set.
func parseOptions(v *viper.Viper, l *zap.Logger, o *agent.Options) error {
	var err error
	if o.Role, err = parseRole(v.GetString("agent.role")); err != nil {
		return err
	}
	if o.Nomination, err = parseNomination(v.GetString("agent.nomination")); err != nil {
		return err
	}
	if o.Sockets, err = parseSockets(v); err != nil {
		return err
	}
	o.TickInterval = v.GetDuration("agent.tick")
	o.RTO = v.GetDuration("agent.rto")
	o.MaxRequests = v.GetInt("agent.max-requests")
	o.MaxInFlight = v.GetInt("agent.max-in-flight")
	o.Keepalive = v.GetBool("agent.keepalive")
	o.RefreshDelay = v.GetDuration("agent.refresh")
	l.Info("options parsed",
		zap.Stringer("role", o.Role),
		zap.Stringer("nomination", o.Nomination),
		zap.Int("sockets", len(o.Sockets)),
	)
	return nil
}

func parseAddrs(v *viper.Viper) ([]net.IP, error) {
	var ips []net.IP
	for _, s := range v.GetStringSlice("agent.addrs") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, errors.Errorf("bad address %q", s)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// getCollaborators returns discoverer and harvesters from config.
func getCollaborators(v *viper.Viper, l *zap.Logger) (agent.Discoverer, []agent.Harvester, error) {
	hostFilter, err := parseFilter(v, l.Named("filter"), "host")
	if err != nil {
		return nil, nil, err
	}
	addrs, err := parseAddrs(v)
	if err != nil {
		return nil, nil, err
	}
	d, err := gather.NewHostDiscoverer(gather.HostOptions{
		Log:    l.Named("host"),
		Filter: hostFilter,
		Addrs:  addrs,
		Ports: gather.PortRange{
			Min: v.GetInt("agent.ports.min"),
			Max: v.GetInt("agent.ports.max"),
		},
		ReusePort: v.GetBool("agent.reuseport"),
		RTO:       v.GetDuration("agent.rto"),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "bad host options")
	}
	var harvesters []agent.Harvester
	if server := v.GetString("agent.stun"); server != "" {
		l.Info("using STUN server", zap.String("addr", server))
		harvesters = append(harvesters, gather.NewSTUNHarvester(gather.STUNOptions{
			Log:    l.Named("stun"),
			Server: server,
		}))
	}
	return d, harvesters, nil
}

func servePrometheus(l *zap.Logger, addr string, reg *prometheus.Registry) {
	l.Warn("running prometheus metrics", zap.String("addr", addr))
	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(l),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	if listenErr := http.ListenAndServe(addr, promHandler); listenErr != nil {
		l.Error("prometheus failed to listen",
			zap.String("addr", addr),
			zap.Error(listenErr),
		)
	}
}

func servePprof(l *zap.Logger, addr string) {
	l.Warn("running pprof", zap.String("addr", addr))
	pprofMux := http.NewServeMux()
	pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
	pprofMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	pprofMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	pprofMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if listenErr := http.ListenAndServe(addr, pprofMux); listenErr != nil {
		l.Error("pprof failed to listen",
			zap.String("addr", addr),
			zap.Error(listenErr),
		)
	}
}

// runAgent starts agent with management endpoint and runs it until stop is
// closed.
func runAgent(v *viper.Viper, l *zap.Logger, stop <-chan struct{}) error {
	if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
		l.Info("config file used", zap.String("path", cfgPath))
	} else {
		l.Info("default configuration used")
	}
	if strings.Split(v.GetString("version"), ".")[0] != "1" {
		return errors.Errorf("unsupported config file version %q", v.GetString("version"))
	}
	reg := prometheus.NewPedanticRegistry()
	if addr := v.GetString("agent.prometheus.addr"); addr != "" {
		go servePrometheus(l.Named("prometheus"), addr, reg)
	}
	if addr := v.GetString("agent.pprof"); addr != "" {
		go servePprof(l, addr)
	}
	d, harvesters, err := getCollaborators(v, l)
	if err != nil {
		return err
	}
	remoteFilter, err := parseFilter(v, l.Named("filter"), "remote")
	if err != nil {
		return err
	}
	mailbox := &manage.Mailbox{}
	o := agent.Options{
		Log:        l.Named("agent"),
		Discoverer: d,
		Harvesters: harvesters,
		Signaler:   mailbox,
		Registry:   reg,
	}
	if err = parseOptions(v, l, &o); err != nil {
		return err
	}
	a, err := agent.New(o)
	if err != nil {
		return errors.Wrap(err, "failed to create agent")
	}
	u := agent.NewUpdater(o)
	u.Subscribe(a)

	n := reload.NewNotifier(l.Named("reload"))
	if v.GetBool("agent.watch") && v.ConfigFileUsed() != "" {
		if err = n.Watch(v.ConfigFileUsed(), stop); err != nil {
			return err
		}
	}
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-n.C:
			}
			l.Info("trying to update config")
			if readErr := v.ReadInConfig(); readErr != nil {
				l.Error("failed to read config", zap.Error(readErr))
				continue
			}
			l.Info("config read", zap.String("path", v.ConfigFileUsed()))
			newOptions := u.Get()
			if parseErr := parseOptions(v, l, &newOptions); parseErr != nil {
				l.Error("failed to parse config", zap.Error(parseErr))
				continue
			}
			u.Set(newOptions)
			l.Info("config updated")
		}
	}()

	if apiAddr := v.GetString("api.addr"); apiAddr != "" {
		ln, listenErr := net.Listen("tcp", apiAddr)
		if listenErr != nil {
			return errors.Wrap(listenErr, "failed to listen on management API addr")
		}
		defer func() {
			if closeErr := ln.Close(); closeErr != nil {
				l.Debug("failed to close api listener", zap.Error(closeErr))
			}
		}()
		m := manage.NewManager(manage.Options{
			Log:      l.Named("api"),
			Notifier: n,
			Agent:    a,
			Mailbox:  mailbox,
			Filter:   remoteFilter,
		})
		l.Info("api listening", zap.Stringer("addr", ln.Addr()))
		go func() {
			if serveErr := http.Serve(ln, m); serveErr != nil {
				l.Debug("api stopped", zap.Error(serveErr))
			}
		}()
	}

	if err = a.Start(context.Background()); err != nil {
		return errors.Wrap(err, "failed to start")
	}
	for _, s := range a.Sockets() {
		for _, c := range a.LocalCandidates(s.Name) {
			l.Info("local candidate", zap.String("socket", s.Name), zap.String("c", c.Marshal()))
		}
	}
	<-stop
	l.Info("stopping")
	return a.Stop(false)
}

func runRoot(v *viper.Viper) {
	l := getLogger(v)
	stop := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		s := <-c
		l.Info("got signal", zap.Stringer("signal", s))
		close(stop)
	}()
	if err := runAgent(v, l, stop); err != nil {
		l.Fatal("failed to run", zap.Error(err))
	}
}
