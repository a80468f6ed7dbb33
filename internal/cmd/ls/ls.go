// Package ls implements the `ls` command: list emulator packages.
package ls

import (
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/woxQAQ/emubridge/internal/app"
	"github.com/woxQAQ/emubridge/internal/cmd"
)

// Command returns the `ls` command.
func Command() *cli.Command {
	return &cli.Command{
		Name:   "ls",
		Usage:  "list discovered emulator packages",
		Action: Run(),
	}
}

// Run the `ls` command
func Run() cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, logger, err := cmd.Setup(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		infos, err := app.ListEmulators(c.Context, cfg, logger)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(c.App.Writer)
		table.Header("Name", "Version", "Arch", "Module", "Description")
		for _, info := range infos {
			if err := table.Append(info.Name, info.Version, info.Arch, info.Module, info.Description); err != nil {
				return err
			}
		}
		return table.Render()
	}
}
