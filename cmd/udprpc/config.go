// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/udprpc"
	"golang.org/x/time/rate"
)

// config is the TOML configuration for the serve command.
//
// Example:
//
//	addr = "127.0.0.1:5050"
//	call-timeout = "10s"
//	fragment-ttl = "1m"
//	max-message-size = 65536
//	request-rate = 100
//	request-burst = 10
type config struct {
	Addr           string   `toml:"addr"`
	CallTimeout    duration `toml:"call-timeout"`
	FragmentTTL    duration `toml:"fragment-ttl"`
	MaxMessageSize int      `toml:"max-message-size"`
	FragmentSize   int      `toml:"fragment-size"`
	RequestRate    float64  `toml:"request-rate"`
	RequestBurst   int      `toml:"request-burst"`
}

// load reads the TOML file at path into c. Settings not present in the file
// retain their existing values. Unknown keys are reported as an error.
func (c *config) load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return fmt.Errorf("load config: unknown keys: %s", strings.Join(names, ", "))
	}
	if c.MaxMessageSize < 0 || c.FragmentSize < 0 || c.RequestRate < 0 || c.RequestBurst < 0 {
		return fmt.Errorf("load config: negative setting in %q", path)
	} else if c.FragmentSize > udprpc.MaxFragmentBody {
		return fmt.Errorf("load config: fragment-size %d > %d", c.FragmentSize, udprpc.MaxFragmentBody)
	}
	return nil
}

// options returns engine options for c.
func (c *config) options() *udprpc.Options {
	return &udprpc.Options{
		CallTimeout:    time.Duration(c.CallTimeout),
		FragmentTTL:    time.Duration(c.FragmentTTL),
		MaxMessageSize: c.MaxMessageSize,
		FragmentSize:   c.FragmentSize,
		RequestRate:    rate.Limit(c.RequestRate),
		RequestBurst:   c.RequestBurst,
	}
}

// duration is a time.Duration that decodes from a string like "5s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}
