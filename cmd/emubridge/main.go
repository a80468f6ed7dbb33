package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/woxQAQ/emubridge/internal/cmd"
	"github.com/woxQAQ/emubridge/internal/cmd/ls"
	"github.com/woxQAQ/emubridge/internal/cmd/run"
	"github.com/woxQAQ/emubridge/internal/cmd/serve"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var flags = []cli.Flag{
	&cli.PathFlag{
		Name:    cmd.FlagConfig,
		Aliases: []string{"c"},
		Usage:   "load configuration from `file`",
		EnvVars: []string{"EMUBRIDGE_CONFIG"},
	},
	&cli.StringFlag{
		Name:  cmd.FlagLogLevel,
		Usage: "set logging `level` to debug, info, warn or error (overrides log_level)",
	},
}

var commands = []*cli.Command{
	run.Command(),
	serve.Command(),
	ls.Command(),
}

func main() {
	app := &cli.App{
		Name:      "emubridge",
		Usage:     "drive a WebAssembly CPU emulator from the host",
		UsageText: "emubridge [global options] command [command options] [arguments...]",
		Version:   fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags:     flags,
		Commands:  commands,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "emubridge:", err)
		os.Exit(1)
	}
}
