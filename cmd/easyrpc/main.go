// Command easyrpc serves a demo Calc handler and calls remote methods.
//
//	easyrpc serve --addr 127.0.0.1:7070 --model event-driven --rate 100
//	easyrpc call --addr 127.0.0.1:7070 --conn async Calc.add 2 3
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/juju/errors"

	"easy-rpc/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "serve":
		err = serve(args[1:], stdout, stderr)
	case "call":
		err = call(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage:
  easyrpc serve [--addr host:port] [--model blocking|event-driven] [--config file] [--metrics host:port]
                [--rate calls/s] [--burst n] [--call-timeout d]
  easyrpc call  [--addr host:port] [--conn blocking|async] [--pool | --fixed] [--repeat n] [--stats]
                [--config file] [--timeout d] Type.method [args...]`)
}

func loadConfig(path string) (config.File, error) {
	if path == "" {
		return config.DefaultFile(), nil
	}
	f, err := config.Load(path)
	return f, errors.Trace(err)
}
