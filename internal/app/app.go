// Package app assembles the runtime, emulator selection and session from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/woxQAQ/emubridge/internal/bridge"
	"github.com/woxQAQ/emubridge/internal/config"
	"github.com/woxQAQ/emubridge/internal/emulator"
	"github.com/woxQAQ/emubridge/internal/telemetry"
	"github.com/woxQAQ/emubridge/internal/wasm"
	"github.com/woxQAQ/emubridge/pkg/protocol"
)

type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	runtime   *wasm.Runtime
	telemetry *telemetry.Provider
	manager   *emulator.Manager
	session   *bridge.Session
	source    wasm.ModuleSource
	emulator  string
}

// New builds an App with an unloaded session. A configured guest.module
// takes precedence over emulator packages.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	runtime, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, runtime: runtime}
	if err := a.init(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	logger.Info("Bridge initialized",
		zap.String("emulator", a.emulator),
		zap.String("source", a.source.Name()),
		zap.Duration("execution_timeout", cfg.Wasm.ExecutionTimeout),
		zap.Bool("telemetry", a.telemetry.Enabled()),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	tp, err := telemetry.Setup(ctx, a.cfg.Telemetry, a.logger)
	if err != nil {
		return err
	}
	a.telemetry = tp

	guest, err := guestConfig(a.cfg.Guest)
	if err != nil {
		return err
	}

	if a.cfg.Guest.Module != "" {
		a.source = wasm.SourceFor(a.cfg.Guest.Module)
		a.emulator = a.source.Name()
	} else {
		a.manager = emulator.NewManager(a.cfg.EmulatorPaths, a.runtime, a.logger)
		if err := a.manager.LoadAll(ctx); err != nil {
			return err
		}
		pkg, err := a.manager.Select(a.cfg.Emulator)
		if err != nil {
			return fmt.Errorf("no emulator module: set guest.module or install a package: %w", err)
		}
		if guest, err = pkg.GuestConfig(guest); err != nil {
			return err
		}
		a.source = pkg.Source()
		a.emulator = pkg.Name()
	}

	overlap, err := bridge.ParseOverlapPolicy(a.cfg.Session.Overlap)
	if err != nil {
		return err
	}

	a.session, err = bridge.NewSession(a.runtime, wasm.NewHostFunctions(a.logger), a.logger, bridge.SessionConfig{
		Source:         a.source,
		Guest:          guest,
		Overlap:        overlap,
		CallTimeout:    a.cfg.Wasm.ExecutionTimeout,
		TracerProvider: tp,
		MeterProvider:  tp.MeterProvider,
	})
	return err
}

// Session returns the bridge session. It starts unloaded.
func (a *App) Session() *bridge.Session {
	return a.session
}

// Emulator names the selected emulator.
func (a *App) Emulator() string {
	return a.emulator
}

// ModuleBytes returns the raw bytes of the selected module.
func (a *App) ModuleBytes(ctx context.Context) ([]byte, error) {
	return a.source.Bytes(ctx)
}

// Close shuts down the session, the runtime and trace export.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("Shutting down bridge")

	var errs []error
	if a.session != nil {
		errs = append(errs, a.session.Close(ctx))
	}
	if err := a.runtime.Close(ctx); err != nil {
		a.logger.Error("Failed to shutdown Wasm runtime", zap.Error(err))
		errs = append(errs, err)
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// ListEmulators discovers the packages under cfg.EmulatorPaths.
func ListEmulators(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]protocol.EmulatorInfo, error) {
	runtime, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer runtime.Close(ctx)

	manager := emulator.NewManager(cfg.EmulatorPaths, runtime, logger)
	if err := manager.LoadAll(ctx); err != nil {
		return nil, err
	}

	pkgs := manager.List()
	infos := make([]protocol.EmulatorInfo, 0, len(pkgs))
	for _, pkg := range pkgs {
		infos = append(infos, protocol.EmulatorInfo{
			Name:        pkg.Name(),
			Version:     pkg.Version(),
			Arch:        pkg.Arch(),
			Description: pkg.Manifest.Description,
			Module:      pkg.Manifest.WasmPath(),
		})
	}
	return infos, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*wasm.Runtime, error) {
	runtime, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:        cfg.Wasm.MemoryPages,
		DebugEnabled:       cfg.Wasm.Debug,
		CacheDir:           cfg.Wasm.CacheDir,
		MaxInstances:       cfg.Wasm.MaxInstances,
		CloseOnContextDone: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}
	return runtime, nil
}

func guestConfig(cfg config.GuestConfig) (wasm.GuestConfig, error) {
	guest := wasm.DefaultGuestConfig()

	exports, err := guest.Exports.WithOverrides(cfg.Exports)
	if err != nil {
		return guest, fmt.Errorf("invalid guest.exports: %w", err)
	}
	guest.Exports = exports

	if cfg.TextMaxBytes > 0 {
		guest.TextMaxBytes = cfg.TextMaxBytes
	}
	if cfg.JSONMaxBytes > 0 {
		guest.JSONMaxBytes = cfg.JSONMaxBytes
	}
	if cfg.MaxInputBytes > 0 {
		guest.MaxInputBytes = cfg.MaxInputBytes
	}
	return guest, nil
}
