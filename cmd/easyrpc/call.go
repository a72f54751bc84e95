package main

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/prometheus/client_golang/prometheus"

	"easy-rpc/client"
	"easy-rpc/codec"
	"easy-rpc/logging"
	"easy-rpc/lookup"
	"easy-rpc/metrics"
	"easy-rpc/transport"
)

func call(args []string, stdout, stderr io.Writer) error {
	fs := gnuflag.NewFlagSet("call", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	var addr, kind, cfgPath string
	var pooled, fixed, stats bool
	var repeat int
	var timeout time.Duration
	fs.StringVar(&addr, "addr", "127.0.0.1:7070", "server address")
	fs.StringVar(&kind, "conn", "blocking", "connection kind: blocking or async")
	fs.BoolVar(&pooled, "pool", false, "borrow the connection from a pool")
	fs.BoolVar(&fixed, "fixed", false, "reuse one connection for every repetition")
	fs.IntVar(&repeat, "repeat", 1, "number of times to make the call")
	fs.BoolVar(&stats, "stats", false, "print pool metrics after the calls (with --pool)")
	fs.StringVar(&cfgPath, "config", "", "YAML configuration file")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "connect and read timeout")
	if err := fs.Parse(false, args); err != nil {
		return errors.Trace(err)
	}
	if fs.NArg() == 0 {
		return errors.New("no method given")
	}
	if pooled && fixed {
		return errors.New("--pool and --fixed are exclusive")
	}
	if stats && !pooled {
		return errors.New("--stats needs --pool")
	}
	method, callArgs, err := parseCall(fs.Arg(0), fs.Args()[1:])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, stderr)
	if err != nil {
		return err
	}
	k, err := transport.ParseKind(kind)
	if err != nil {
		return err
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	socket := cfg.Client
	socket.ConnectTimeout = timeout
	socket.ReadTimeout = timeout
	opts := transport.Options{Addr: addr, Socket: socket, Codec: c, Logger: log}

	var factory transport.Factory = transport.DirectFactory{Kind: k, Options: opts}
	var pool *transport.Pool
	switch {
	case pooled:
		if pool, err = transport.NewPool(factory, cfg.Pool, nil, log); err != nil {
			return err
		}
		factory = pool
	case fixed:
		factory = transport.NewFixedFactory(k, opts)
	}
	inv := client.New(factory, log)
	defer inv.Close()

	label := color.New(color.FgGreen, color.Bold).Sprint(method.String() + " =")
	for range max(repeat, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		result, err := inv.Invoke(ctx, method, callArgs...)
		cancel()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %v\n", label, result)
	}
	if stats {
		return printPoolStats(stdout, pool)
	}
	return nil
}

// printPoolStats writes one "name value" line per pool series.
func printPoolStats(w io.Writer, pool *transport.Pool) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(metrics.NewPoolCollector("cli", pool)); err != nil {
		return errors.Trace(err)
	}
	families, err := reg.Gather()
	if err != nil {
		return errors.Trace(err)
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fmt.Fprintf(w, "%s %g\n", mf.GetName(), m.GetGauge().GetValue()+m.GetCounter().GetValue())
		}
	}
	return nil
}

// parseCall splits "Type.method" and types each argument as int, float64,
// bool or string, in that order of preference.
func parseCall(target string, raw []string) (client.Method, []any, error) {
	dot := strings.LastIndex(target, ".")
	if dot <= 0 || dot == len(target)-1 {
		return client.Method{}, nil, errors.NotValidf("method %q, want Type.method", target)
	}
	args := make([]any, len(raw))
	names := make([]string, len(raw))
	for i, s := range raw {
		args[i] = parseArg(s)
		names[i] = lookup.TypeName(reflect.TypeOf(args[i]))
	}
	return client.NewMethod(target[:dot], target[dot+1:], names...), args, nil
}

func parseArg(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
