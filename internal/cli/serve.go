// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/config"
	"github.com/jeranaias/mathsolver/internal/extract"
	"github.com/jeranaias/mathsolver/internal/ollama"
	"github.com/jeranaias/mathsolver/internal/server"
)

// serverConfig maps the [server] section and flag overrides onto the relay
// configuration.
func serverConfig(cfg *config.Config, args Args) *server.Config {
	sc := server.DefaultConfig()
	sc.Addr = cfg.Server.Addr
	sc.Model = cfg.Backend.Model
	sc.ImageBinding = cfg.Server.ImageBinding
	sc.MaxBodyBytes = cfg.Server.MaxBodyBytes
	sc.AuthToken = cfg.Server.AuthToken
	sc.RateLimit = cfg.Server.RateLimit
	sc.RateBurst = cfg.Server.RateBurst
	sc.CORSOrigins = cfg.Server.CORSOrigins
	if len(cfg.Server.TrustedProxies) > 0 {
		sc.TrustedProxies = cfg.Server.TrustedProxies
	}

	if args.Addr != "" {
		sc.Addr = args.Addr
	}
	if args.Model != "" {
		sc.Model = args.Model
	}
	return sc
}

// pdfParser caps the text taken from each uploaded PDF.
func pdfParser(cfg *config.Config) extract.PDFParser {
	return extract.PDFParser{MaxChars: cfg.Server.MaxContextChars}
}

// HandleServe runs the relay until SIGINT or SIGTERM.
func HandleServe(args Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, syncLog, err := newLogger(cfg, args, true)
	if err != nil {
		return err
	}
	defer syncLog()

	server.Version = Version
	sc := serverConfig(cfg, args)
	backend := ollama.NewClientWithConfig(cfg.Backend.OllamaConfig())
	extractor := extract.New(pdfParser(cfg), logger.Named("extract"))
	srv := server.New(sc, backend, extractor, logger.Named("relay"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := backend.CheckRunning(probe); err != nil {
		logger.Warn("backend not reachable; requests will fail until it is",
			zap.String("url", cfg.Backend.BaseURL), zap.Error(err))
	}
	cancel()

	ln, err := net.Listen("tcp", sc.Addr)
	if err != nil {
		return NewCommandError("serve", "listen", sc.Addr, err)
	}

	if !args.Quiet && !args.JSON {
		fmt.Fprintf(os.Stderr, "%s %s\n", TitleStyle.Render("mathsolver relay"), DimStyle.Render("listening on http://"+ln.Addr().String()))
		fmt.Fprintf(os.Stderr, "%s\n", DimStyle.Render("model "+sc.Model+", press Ctrl+C to stop"))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return NewCommandError("serve", "shutdown", "in-flight streams did not finish", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
