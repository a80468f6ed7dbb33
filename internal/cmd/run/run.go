// Package run implements the `run` command: simulate one source file.
package run

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/woxQAQ/emubridge/internal/app"
	"github.com/woxQAQ/emubridge/internal/bridge"
	"github.com/woxQAQ/emubridge/internal/cmd"
)

// Command returns the `run` command.
func Command() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "simulate an assembly source file",
		ArgsUsage: "FILE|-",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "state",
				Usage: "also print the emulator state after simulating",
			},
		},
		Action: Run(),
	}
}

// Run the `run` command
func Run() cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("run expects exactly one FILE argument (- for stdin)")
		}

		source, err := readSource(c.Args().First(), c.App.Reader)
		if err != nil {
			return err
		}

		cfg, logger, err := cmd.Setup(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := c.Context
		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(ctx); err != nil {
				logger.Warn("Failed to shut down cleanly", zap.Error(err))
			}
		}()

		s := a.Session()
		if err := s.Load(ctx); err != nil {
			return withKind(err)
		}

		res, err := s.Simulate(ctx, source)
		if err != nil {
			return withKind(err)
		}
		writeResult(c.App.Writer, res)

		if c.Bool("state") {
			state, err := s.GetState(ctx)
			if err != nil {
				return withKind(err)
			}
			writeResult(c.App.Writer, state)
		}
		return nil
	}
}

// withKind prefixes err with its error kind.
func withKind(err error) error {
	return fmt.Errorf("%s: %w", bridge.Kind(err), err)
}

func readSource(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read source: %w", err)
	}
	return string(data), nil
}

// writeResult prints the text log followed by the JSON document, each on
// its own line.
func writeResult(w io.Writer, res bridge.Result) {
	text := res.Text
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	fmt.Fprint(w, text)
	fmt.Fprintln(w, res.JSON)
}
