// Package server exposes a bridge session over HTTP.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/woxQAQ/emubridge/internal/bridge"
	"github.com/woxQAQ/emubridge/pkg/protocol"
)

// Options configures a Server.
type Options struct {
	Session *bridge.Session

	// Emulator is reported by /api/status.
	Emulator string

	// Module returns the bytes served at /emulator.wasm. Nil disables the route.
	Module func(ctx context.Context) ([]byte, error)

	// StaticDir is served at / when set.
	StaticDir string
}

type Server struct {
	app    *fiber.App
	opts   Options
	logger *zap.Logger
}

// New builds the HTTP routes for opts.Session.
func New(opts Options, logger *zap.Logger) *Server {
	s := &Server{
		opts:   opts,
		logger: logger.With(zap.String("component", "http-server")),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "emubridge",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.logRequest)

	api := s.app.Group("/api")
	api.Post("/load", s.serveLoad)
	api.Post("/simulate", s.serveSimulate)
	api.Post("/reset", s.serveReset)
	api.Get("/state", s.serveState)
	api.Get("/status", s.serveStatus)

	if opts.Module != nil {
		s.app.Get("/emulator.wasm", s.serveModule)
	}
	if opts.StaticDir != "" {
		s.app.Static("/", opts.StaticDir)
	}

	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", zap.String("addr", addr))
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) serveLoad(ftx *fiber.Ctx) error {
	if err := s.opts.Session.Load(ftx.UserContext()); err != nil {
		return err
	}
	return ftx.SendStatus(fiber.StatusNoContent)
}

func (s *Server) serveSimulate(ftx *fiber.Ctx) error {
	var req protocol.SimulateRequest
	if err := ftx.BodyParser(&req); err != nil {
		return sendHTTPError(ftx, fiber.StatusBadRequest, "request body could not be decoded: "+err.Error(), "")
	}

	res, err := s.opts.Session.Simulate(ftx.UserContext(), req.Source)
	if err != nil {
		return err
	}
	return ftx.JSON(protocol.ResultResponse{Text: res.Text, JSON: res.JSON})
}

func (s *Server) serveReset(ftx *fiber.Ctx) error {
	if err := s.opts.Session.Reset(ftx.UserContext()); err != nil {
		return err
	}
	return ftx.SendStatus(fiber.StatusNoContent)
}

func (s *Server) serveState(ftx *fiber.Ctx) error {
	res, err := s.opts.Session.GetState(ftx.UserContext())
	if err != nil {
		return err
	}
	return ftx.JSON(protocol.ResultResponse{Text: res.Text, JSON: res.JSON})
}

func (s *Server) serveStatus(ftx *fiber.Ctx) error {
	return ftx.JSON(protocol.StatusResponse{
		State:      s.opts.Session.State().String(),
		Emulator:   s.opts.Emulator,
		Generation: s.opts.Session.Generation(),
	})
}

func (s *Server) serveModule(ftx *fiber.Ctx) error {
	data, err := s.opts.Module(ftx.UserContext())
	if err != nil {
		return err
	}
	ftx.Set(fiber.HeaderContentType, "application/wasm")
	return ftx.Send(data)
}

func (s *Server) logRequest(ftx *fiber.Ctx) error {
	start := time.Now()
	err := ftx.Next()
	s.logger.Debug("Request",
		zap.String("method", ftx.Method()),
		zap.String("path", ftx.Path()),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return err
}

// handleError renders handler errors as ErrorResponse bodies.
func (s *Server) handleError(ftx *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return sendHTTPError(ftx, fe.Code, fe.Message, "")
	}

	kind := bridge.Kind(err)
	status := StatusFor(kind)
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("Request failed",
			zap.String("path", ftx.Path()),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
	return sendHTTPError(ftx, status, err.Error(), kind)
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind string) int {
	switch kind {
	case bridge.KindNotLoaded, bridge.KindAlreadyLoaded, bridge.KindOperationInProgress:
		return fiber.StatusConflict
	case bridge.KindAllocationFailure:
		return fiber.StatusRequestEntityTooLarge
	case bridge.KindLoadFailure:
		return fiber.StatusServiceUnavailable
	case bridge.KindGuestTimeout:
		return fiber.StatusGatewayTimeout
	case bridge.KindDecodeFailure, bridge.KindMemoryAccess, bridge.KindGuestFailure:
		return fiber.StatusBadGateway
	case bridge.KindCanceled:
		return fiber.StatusRequestTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func sendHTTPError(ftx *fiber.Ctx, status int, msg, kind string) error {
	return ftx.Status(status).JSON(protocol.ErrorResponse{Error: msg, Kind: kind})
}
