package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/emubridge/internal/bridge"
	"github.com/woxQAQ/emubridge/internal/wasm"
	"github.com/woxQAQ/emubridge/internal/wasm/wasmtest"
	"github.com/woxQAQ/emubridge/pkg/protocol"
)

type testServer struct {
	*Server
	session *bridge.Session
	emu     *wasmtest.Emulator
	module  []byte
}

func newTestServer(t *testing.T, mutate func(*bridge.SessionConfig, *Options)) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	runtime, err := wasm.NewRuntime(ctx, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { runtime.Close(ctx) })

	emu := wasmtest.New(wasmtest.Options{})
	require.NoError(t, runtime.InstantiateHostModule(ctx, wasmtest.HostModuleName, emu.Export))
	bin, err := emu.Wasm()
	require.NoError(t, err)

	cfg := bridge.SessionConfig{
		Source: &wasm.MemoryModuleSource{ModuleName: "emulator.wasm", Data: bin},
		Guest:  wasm.DefaultGuestConfig(),
	}
	opts := Options{
		Emulator: "i8086",
		Module:   func(context.Context) ([]byte, error) { return bin, nil },
	}
	if mutate != nil {
		mutate(&cfg, &opts)
	}

	session, err := bridge.NewSession(runtime, wasm.NewHostFunctions(logger), logger, cfg)
	require.NoError(t, err)
	opts.Session = session

	return &testServer{Server: New(opts, logger), session: session, emu: emu, module: bin}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), "body %s", data)
	return v
}

func TestServerLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, protocol.StatusResponse{State: "unloaded", Emulator: "i8086"}, decode[protocol.StatusResponse](t, body))

	code, body = s.do(t, http.MethodPost, "/api/simulate", `{"source":"MOV AX, 1"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, bridge.KindNotLoaded, decode[protocol.ErrorResponse](t, body).Kind)

	code, _ = s.do(t, http.MethodPost, "/api/load", "")
	require.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, http.MethodPost, "/api/load", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, bridge.KindAlreadyLoaded, decode[protocol.ErrorResponse](t, body).Kind)

	code, body = s.do(t, http.MethodPost, "/api/simulate", `{"source":"MOV AX, 1"}`)
	require.Equal(t, http.StatusOK, code, "body %s", body)
	res := decode[protocol.ResultResponse](t, body)
	assert.Equal(t, "Executing: MOV AX, 1\n", res.Text)
	assert.Equal(t, uint16(1), decode[wasmtest.Output](t, []byte(res.JSON)).Registers["AX"])

	code, body = s.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	status := decode[protocol.StatusResponse](t, body)
	assert.Equal(t, "simulated", status.State)
	assert.NotZero(t, status.Generation)

	code, body = s.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, decode[protocol.ResultResponse](t, body).Text, "Executing: MOV AX, 1")

	code, _ = s.do(t, http.MethodPost, "/api/reset", "")
	require.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, code)
	state := decode[protocol.ResultResponse](t, body)
	assert.Empty(t, state.Text)
	assert.Equal(t, wasmtest.InitialState(), decode[wasmtest.State](t, []byte(state.JSON)))
}

func TestServerBadRequest(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.session.Load(context.Background()))

	code, body := s.do(t, http.MethodPost, "/api/simulate", `{"source":`)
	assert.Equal(t, http.StatusBadRequest, code)
	resp := decode[protocol.ErrorResponse](t, body)
	assert.Contains(t, resp.Error, "request body could not be decoded")
	assert.Empty(t, resp.Kind)
	assert.Zero(t, s.emu.SimulateCalls())

	code, _ = s.do(t, http.MethodGet, "/api/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServerInputTooLarge(t *testing.T) {
	s := newTestServer(t, func(cfg *bridge.SessionConfig, _ *Options) {
		cfg.Guest.MaxInputBytes = 4
	})
	require.NoError(t, s.session.Load(context.Background()))

	code, body := s.do(t, http.MethodPost, "/api/simulate", `{"source":"MOV AX, 1"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, bridge.KindAllocationFailure, decode[protocol.ErrorResponse](t, body).Kind)
}

func TestServerTimeout(t *testing.T) {
	s := newTestServer(t, func(cfg *bridge.SessionConfig, _ *Options) {
		cfg.CallTimeout = 500 * time.Millisecond
	})
	require.NoError(t, s.session.Load(context.Background()))

	s.emu.SpinNextSimulate()
	code, body := s.do(t, http.MethodPost, "/api/simulate", `{"source":"MOV AX, 1"}`)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, bridge.KindGuestTimeout, decode[protocol.ErrorResponse](t, body).Kind)

	_, body = s.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, "unloaded", decode[protocol.StatusResponse](t, body).State)

	code, _ = s.do(t, http.MethodPost, "/api/load", "")
	assert.Equal(t, http.StatusNoContent, code)
}

func TestServerModule(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/emulator.wasm", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/wasm", resp.Header.Get(fiber.HeaderContentType))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, s.module, data)

	noModule := newTestServer(t, func(_ *bridge.SessionConfig, opts *Options) {
		opts.Module = nil
	})
	code, _ := noModule.do(t, http.MethodGet, "/emulator.wasm", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServerStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>emubridge</h1>"), 0o644))

	s := newTestServer(t, func(_ *bridge.SessionConfig, opts *Options) {
		opts.StaticDir = dir
	})

	code, body := s.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<h1>emubridge</h1>", string(body))

	// API routes win over the static tree.
	code, _ = s.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestStatusFor(t *testing.T) {
	for kind, want := range map[string]int{
		bridge.KindNotLoaded:           http.StatusConflict,
		bridge.KindAlreadyLoaded:       http.StatusConflict,
		bridge.KindOperationInProgress: http.StatusConflict,
		bridge.KindAllocationFailure:   http.StatusRequestEntityTooLarge,
		bridge.KindLoadFailure:         http.StatusServiceUnavailable,
		bridge.KindGuestTimeout:        http.StatusGatewayTimeout,
		bridge.KindDecodeFailure:       http.StatusBadGateway,
		bridge.KindStaleReference:      http.StatusInternalServerError,
		bridge.KindCanceled:            http.StatusRequestTimeout,
		bridge.KindInternal:            http.StatusInternalServerError,
	} {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}

func TestServerRun(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
