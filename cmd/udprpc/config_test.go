// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/udprpc"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatalf("Write config: %v", err)
	}
	return path
}

func TestConfig(t *testing.T) {
	path := writeConfig(t, `
call-timeout = "10s"
fragment-ttl = "1m"
max-message-size = 65536
request-rate = 100
request-burst = 10
`)
	cfg := config{Addr: ":5050"}
	if err := cfg.load(path); err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if cfg.Addr != ":5050" {
		t.Errorf("Addr: got %q, want default :5050", cfg.Addr)
	}

	got := cfg.options()
	want := &udprpc.Options{
		CallTimeout:    10 * time.Second,
		FragmentTTL:    time.Minute,
		MaxMessageSize: 65536,
		RequestRate:    100,
		RequestBurst:   10,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Options (-got, +want):\n%s", diff)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name, text string
	}{
		{"Syntax", `addr = `},
		{"UnknownKey", `colour = "blue"`},
		{"BadDuration", `call-timeout = "soon"`},
		{"Negative", `max-message-size = -1`},
		{"BigFragment", `fragment-size = 495`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var cfg config
			if err := cfg.load(writeConfig(t, tc.text)); err == nil {
				t.Errorf("Load %q: got nil, want error", tc.text)
			} else {
				t.Logf("Error OK: %v", err)
			}
		})
	}
}
