// Package serve implements the `serve` command: the HTTP API.
package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/woxQAQ/emubridge/internal/app"
	"github.com/woxQAQ/emubridge/internal/bridge"
	"github.com/woxQAQ/emubridge/internal/cmd"
	"github.com/woxQAQ/emubridge/internal/server"
)

// Command returns the `serve` command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "load the emulator and serve the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen on `host:port` (overrides server.addr)",
				EnvVars: []string{"EMUBRIDGE_ADDR"},
			},
			&cli.PathFlag{
				Name:  "static",
				Usage: "serve files under `dir` at / (overrides server.static_dir)",
			},
		},
		Action: Run(),
	}
}

// Run the `serve` command
func Run() cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, logger, err := cmd.Setup(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if c.IsSet("addr") {
			cfg.Server.Addr = c.String("addr")
		}
		if c.IsSet("static") {
			cfg.Server.StaticDir = c.Path("static")
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(c.Context); err != nil {
				logger.Warn("Failed to shut down cleanly", zap.Error(err))
			}
		}()

		if err := a.Session().Load(ctx); err != nil {
			return fmt.Errorf("%s: %w", bridge.Kind(err), err)
		}

		srv := server.New(server.Options{
			Session:   a.Session(),
			Emulator:  a.Emulator(),
			Module:    a.ModuleBytes,
			StaticDir: cfg.Server.StaticDir,
		}, logger)

		err = srv.Run(ctx, cfg.Server.Addr)
		logger.Info("Server shutdown complete")
		return err
	}
}
