package cli

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
)

func TestCredentials(t *testing.T) {
	t.Run("Random", func(t *testing.T) {
		flags := getCredentialsCmd().Flags()
		buf := new(bytes.Buffer)
		if err := execCredentials(flags, rand.New(rand.NewSource(1)), buf); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("unexpected output: %s", buf)
		}
		for i, prefix := range []string{"ice-ufrag:", "ice-pwd:", "tie-breaker:"} {
			if !strings.HasPrefix(lines[i], prefix) {
				t.Errorf("line %d: %q has no prefix %q", i, lines[i], prefix)
			}
		}
		if len(strings.TrimPrefix(lines[1], "ice-pwd:")) != 22 {
			t.Error("bad password length")
		}
	})
	t.Run("Key", func(t *testing.T) {
		flags := getCredentialsCmd().Flags()
		_ = flags.Set("password", "secret")
		buf := new(bytes.Buffer)
		if err := execCredentials(flags, nil, buf); err != nil {
			t.Fatal(err)
		}
		if s := strings.TrimSpace(buf.String()); s != "0x736563726574" {
			t.Errorf("bad integrity %s", s)
		}
	})
}
