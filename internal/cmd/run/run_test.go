package run

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woxQAQ/emubridge/internal/bridge"
	"github.com/woxQAQ/emubridge/internal/cmd/cmdtest"
)

func echoConfig(t *testing.T) string {
	return cmdtest.WriteConfig(t, "guest:\n  module: "+filepath.Join(cmdtest.EmulatorsDir(t), "echo", "echo.wat")+"\n")
}

func TestRunStdin(t *testing.T) {
	out, err := cmdtest.Run(Command(), "MOV AX, 1",
		"--config", echoConfig(t), "--log-level", "error", "run", "-")
	require.NoError(t, err)
	assert.Equal(t, "MOV AX, 1\n{}\n", out)
}

func TestRunFileWithState(t *testing.T) {
	src := filepath.Join(t.TempDir(), "prog.asm")
	require.NoError(t, os.WriteFile(src, []byte("PUSH AX\n"), 0o644))

	out, err := cmdtest.Run(Command(), "",
		"--config", echoConfig(t), "--log-level", "error", "run", "--state", src)
	require.NoError(t, err)
	assert.Equal(t, "PUSH AX\n{}\nPUSH AX\n{}\n", out)
}

func TestRunEmptySource(t *testing.T) {
	out, err := cmdtest.Run(Command(), "",
		"--config", echoConfig(t), "--log-level", "error", "run", "-")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)
}

func TestRunErrors(t *testing.T) {
	_, err := cmdtest.Run(Command(), "", "--config", echoConfig(t), "run")
	assert.Error(t, err)

	_, err = cmdtest.Run(Command(), "", "--config", echoConfig(t), "run", filepath.Join(t.TempDir(), "missing.asm"))
	assert.Error(t, err)

	missing := cmdtest.WriteConfig(t, "guest:\n  module: "+filepath.Join(t.TempDir(), "missing.wasm")+"\n")
	_, err = cmdtest.Run(Command(), "MOV AX, 1", "--config", missing, "--log-level", "error", "run", "-")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), bridge.KindLoadFailure+": "), "error %q lacks its kind", err)
	assert.Contains(t, err.Error(), "failed to load guest module")
}
