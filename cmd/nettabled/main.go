package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	nettable "github.com/UBCSailbot/network-table"
	"github.com/UBCSailbot/network-table/config"
)

const version = "0.1.0"

const usage = `Network table daemon.

Usage:
    nettabled [--config=<file>] [--env=<file>] [--addr=<addr>] [--web=<addr>]
        [--logtostderr] [--v=<level>] [--log_dir=<dir>]
    nettabled -h | --help
    nettabled --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<file>    YAML settings file.
    --env=<file>       Environment file [default: .env].
    --addr=<addr>      Rendezvous address, overriding the settings.
    --web=<addr>       Web view address, overriding the settings; "off" disables it.
    --logtostderr      Log to stderr instead of files.
    --v=<level>        Log verbosity [default: 0].
    --log_dir=<dir>    Directory for log files.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// glog reads its settings from the standard flag set.
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	if dir, _ := opts.String("--log_dir"); dir != "" {
		flag.Set("log_dir", dir)
	}
	if on, _ := opts.Bool("--logtostderr"); on {
		flag.Set("logtostderr", "true")
	}
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	file, _ := opts.String("--config")
	envFile, _ := opts.String("--env")
	cfg, err := config.Load(file, envFile)
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	if addr, _ := opts.String("--addr"); addr != "" {
		cfg.Addr = addr
	}
	if w, _ := opts.String("--web"); w == "off" {
		cfg.Web = ""
	} else if w != "" {
		cfg.Web = w
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := nettable.Main(ctx, cfg, nil); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Info("shut down")
}
