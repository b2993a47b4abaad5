// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program udprpc is a command-line utility for running and calling udprpc
// peers.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/udprpc"
	"github.com/creachadair/udprpc/handler"
	"github.com/creachadair/udprpc/peers"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("udprpc")

var rootFlags struct {
	Verbose int `flag:"v,Logging verbosity (0 notices, 1 info, 2 debug)"`
}

var serveFlags struct {
	Addr   string `flag:"addr,default=:5050,Listen address (host:port)"`
	Config string `flag:"config,Path of a TOML configuration file"`
}

var callFlags struct {
	Addr    string        `flag:"addr,default=:0,Local address to call from (host:port)"`
	Timeout time.Duration `flag:"timeout,default=5s,Time to wait for the response"`
}

var splitFlags struct {
	Size int `flag:"size,default=494,Maximum fragment body size in bytes"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for running and calling udprpc peers.",
		SetFlags: command.Flags(flax.MustBind, &rootFlags),
		Init: func(env *command.Env) error {
			commonlog.Configure(rootFlags.Verbose, nil)
			return nil
		},
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[--addr host:port] [--config path]",
				Help:     "Run a peer serving the echo and ping methods until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<peer> <method> [args...]",
				Help: `Call a method of a remote peer.

Each result field of the response is printed on its own line.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:  "split",
				Usage: "<text>",
				Help: `Print the fragments a message would be sent as.

Each fragment is printed with its decoded header and the hex encoding of
its 6-byte wire header.`,
				SetFlags: command.Flags(flax.MustBind, &splitFlags),
				Run:      runSplit,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg := config{Addr: serveFlags.Addr}
	if serveFlags.Config != "" {
		if err := cfg.load(serveFlags.Config); err != nil {
			return err
		}
		log.Infof("loaded configuration from %q", serveFlags.Config)
	}

	e := udprpc.NewEngine(cfg.options()).
		Handle("echo", func(ctx context.Context, req *udprpc.Request, reply udprpc.ReplyFunc) {
			reply(req.Args...)
		}).
		Handle("ping", handler.Nullary(func(context.Context) (string, error) {
			return "pong", nil
		})).
		LogPackets(func(pkt udprpc.DatagramInfo) { log.Debug(pkt.String()) }).
		LogMessages(func(msg udprpc.MessageInfo) { log.Info(msg.String()) }).
		OnExit(func(err error) {
			if err != nil {
				log.Errorf("engine exited: %v", err)
			}
		})
	ch, err := peers.Listen(e, "udp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Notice("serving", "addr", ch.Addr().String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err = peers.Run(ctx, e)
	log.Info("stopped", "metrics", e.Metrics().String())
	return err
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing peer address and method name")
	}
	peer, method, args := env.Args[0], env.Args[1], env.Args[2:]

	e := udprpc.NewEngine(&udprpc.Options{CallTimeout: callFlags.Timeout}).
		LogPackets(func(pkt udprpc.DatagramInfo) { log.Debug(pkt.String()) }).
		LogMessages(func(msg udprpc.MessageInfo) { log.Info(msg.String()) })
	if _, err := peers.Listen(e, "udp", callFlags.Addr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer e.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	start := time.Now()
	results, err := e.Invoke(ctx, method, peer, args...)
	if errors.Is(err, udprpc.ErrTimeout) {
		return fmt.Errorf("no response from %s after %v", peer, callFlags.Timeout)
	} else if err != nil {
		return err
	}
	log.Infof("call %s at %s completed in %v", method, peer, time.Since(start))
	for _, r := range results {
		fmt.Println(r)
	}
	return nil
}

func runSplit(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("want exactly one message text")
	}
	frags, err := udprpc.Split([]byte(env.Args[0]), 0, splitFlags.Size)
	if err != nil {
		return err
	}
	for _, f := range frags {
		data, err := f.MarshalBinary()
		if err != nil {
			return err
		}
		fmt.Printf("%s  %v\n", hex.EncodeToString(data[:udprpc.HeaderSize]), f)
		log.Debug("fragment body", "seq", f.Sequence, "body", strings.ToValidUTF8(string(f.Body), "?"))
	}
	return nil
}
