package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gortc/iceagent/agent"
	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/testutil"
)

func TestParseRole(t *testing.T) {
	for _, tc := range []struct {
		in   string
		role agent.Role
		ok   bool
	}{
		{"", agent.Controlling, true},
		{"controlling", agent.Controlling, true},
		{"Controlled", agent.Controlled, true},
		{"lite", agent.Controlling, false},
	} {
		r, err := parseRole(tc.in)
		assert.Equal(t, tc.ok, err == nil, tc.in)
		assert.Equal(t, tc.role, r, tc.in)
	}
}

func TestParseNomination(t *testing.T) {
	n, err := parseNomination("aggressive")
	require.NoError(t, err)
	assert.Equal(t, agent.Aggressive, n)
	n, err = parseNomination("")
	require.NoError(t, err)
	assert.Equal(t, agent.Regular, n)
	_, err = parseNomination("lazy")
	assert.Error(t, err)
}

func TestParseFilter(t *testing.T) {
	v := viper.New()
	v.Set("filter.key.rules", []map[string]string{
		{"net": "10.0.0.0/24", "action": "allow"},
		{"net": "20.0.0.0/24", "action": "deny"},
		{"net": "30.0.0.0/24", "action": "pass"},
	})
	v.Set("filter.key.action", "drop")
	f, err := parseFilter(v, zap.NewNop(), "key")
	require.NoError(t, err)
	assert.True(t, f.Allowed(candidate.Addr{IP: net.IPv4(10, 0, 0, 1), Port: 1}))
	assert.False(t, f.Allowed(candidate.Addr{IP: net.IPv4(20, 0, 0, 1), Port: 1}))
	assert.False(t, f.Allowed(candidate.Addr{IP: net.IPv4(40, 0, 0, 1), Port: 1}))

	t.Run("BadAction", func(t *testing.T) {
		v.Set("filter.key.action", "pass")
		_, err := parseFilter(v, zap.NewNop(), "key")
		assert.Error(t, err)
	})
	t.Run("Empty", func(t *testing.T) {
		f, err := parseFilter(viper.New(), zap.NewNop(), "missing")
		require.NoError(t, err)
		assert.True(t, f.Allowed(candidate.Addr{IP: net.IPv4(40, 0, 0, 1), Port: 1}))
	})
}

func TestParseSockets(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		sockets, err := parseSockets(viper.New())
		require.NoError(t, err)
		assert.Equal(t, []agent.Socket{{Name: "audio", Components: 1}}, sockets)
	})
	t.Run("Configured", func(t *testing.T) {
		v := viper.New()
		v.Set("agent.sockets", []map[string]interface{}{
			{"name": "audio", "components": 2},
			{"name": "video", "components": 1},
		})
		sockets, err := parseSockets(v)
		require.NoError(t, err)
		assert.Equal(t, []agent.Socket{
			{Name: "audio", Components: 2},
			{Name: "video", Components: 1},
		}, sockets)
	})
	t.Run("Duplicate", func(t *testing.T) {
		v := viper.New()
		v.Set("agent.sockets", []map[string]interface{}{
			{"name": "audio", "components": 1},
			{"name": "audio", "components": 1},
		})
		_, err := parseSockets(v)
		assert.Error(t, err)
	})
}

func TestParseAddrs(t *testing.T) {
	v := viper.New()
	v.Set("agent.addrs", []string{"127.0.0.1", "::1"})
	ips, err := parseAddrs(v)
	require.NoError(t, err)
	assert.Len(t, ips, 2)
	v.Set("agent.addrs", []string{"localhost"})
	_, err = parseAddrs(v)
	assert.Error(t, err)
}

func writeConfig(t *testing.T, content string) (string, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "iceagent_cli")
	require.NoError(t, err)
	name := filepath.Join(dir, "iceagent.yml")
	require.NoError(t, ioutil.WriteFile(name, []byte(content), 0600))
	return name, func() {
		_ = os.RemoveAll(dir)
	}
}

func TestConfig(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		v := getViper()
		require.NoError(t, readDefaultConfig(v))
		logCfg, err := getZapConfig(v)
		require.NoError(t, err)
		l, err := logCfg.Build()
		require.NoError(t, err)
		o := agent.Options{}
		require.NoError(t, parseOptions(v, l, &o))
		assert.Equal(t, agent.Controlling, o.Role)
		assert.Equal(t, agent.Regular, o.Nomination)
		assert.Equal(t, time.Millisecond*500, o.TickInterval)
		assert.Equal(t, 7, o.MaxRequests)
		assert.Equal(t, 4, o.MaxInFlight)
		assert.True(t, o.Keepalive)
		assert.Equal(t, time.Second*15, o.RefreshDelay)
		_, err = parseFilter(v, l, "host")
		assert.NoError(t, err)
	})
	t.Run("File", func(t *testing.T) {
		name, cleanup := writeConfig(t, `version: "1"
agent:
  role: controlled
  nomination: aggressive
  log:
    level: debug
`)
		defer cleanup()
		v := getViper()
		initConfig(v, name)
		logCfg, err := getZapConfig(v)
		require.NoError(t, err)
		assert.Equal(t, zapcore.DebugLevel, logCfg.Level.Level())
		assert.Equal(t, "json", logCfg.Encoding)
		o := agent.Options{}
		require.NoError(t, parseOptions(v, zap.NewNop(), &o))
		assert.Equal(t, agent.Controlled, o.Role)
		assert.Equal(t, agent.Aggressive, o.Nomination)
	})
}

func TestRunAgent(t *testing.T) {
	name, cleanup := writeConfig(t, `version: "1"
agent:
  addrs: ["127.0.0.1"]
  reuseport: false
  tick: 20ms
api:
  addr: "127.0.0.1:0"
`)
	defer cleanup()
	v := getViper()
	initConfig(v, name)
	core, logs := observer.New(zapcore.InfoLevel)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- runAgent(v, zap.New(core), stop)
	}()

	apiAddr := testutil.WaitMessage(t, logs, "api listening", time.Second*5).ContextMap()["addr"].(string)
	testutil.WaitMessage(t, logs, "local candidate", time.Second*5)

	res, err := http.Get("http://" + apiAddr + "/status")
	require.NoError(t, err)
	var status struct {
		Status string `json:"status"`
		Role   string `json:"role"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	require.NoError(t, res.Body.Close())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, agent.Controlling.String(), status.Role)

	res, err = http.Get("http://" + apiAddr + "/local")
	require.NoError(t, err)
	body, err := ioutil.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	assert.Contains(t, string(body), "127.0.0.1")

	close(stop)
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("agent is not stopped")
	}
}

func TestRunAgent_BadVersion(t *testing.T) {
	v := getViper()
	v.Set("version", "2")
	stop := make(chan struct{})
	defer close(stop)
	assert.Error(t, runAgent(v, zap.NewNop(), stop))
}

func TestExecGather(t *testing.T) {
	v := getViper()
	v.Set("agent.addrs", []string{"127.0.0.1"})
	v.Set("agent.reuseport", false)
	v.Set("agent.sockets", []map[string]interface{}{
		{"name": "audio", "components": 2},
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	buf := new(bytes.Buffer)
	require.NoError(t, execGather(ctx, v, zap.NewNop(), buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "audio "), line)
		parts := strings.SplitN(line, " ", 2)
		c, err := candidate.Parse(parts[1])
		require.NoError(t, err)
		assert.Equal(t, candidate.Local, c.Type)
	}
}
