// Package cmdtest runs CLI commands in-process for tests.
package cmdtest

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/woxQAQ/emubridge/internal/cmd"
)

// EmulatorsDir returns the absolute path of the packaged test emulators.
func EmulatorsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate cmdtest sources")
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "emulator", "testdata", "emulators")
}

// WriteConfig writes a YAML config file and returns its path.
func WriteConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emubridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Run executes command with the global flags and args, feeding stdin and
// returning stdout.
func Run(command *cli.Command, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	app := &cli.App{
		Name: "emubridge",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: cmd.FlagConfig},
			&cli.StringFlag{Name: cmd.FlagLogLevel},
		},
		Commands:  []*cli.Command{command},
		Reader:    strings.NewReader(stdin),
		Writer:    &out,
		ErrWriter: &out,
	}
	err := app.Run(append([]string{"emubridge"}, args...))
	return out.String(), err
}
