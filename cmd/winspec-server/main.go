// Command winspec-server runs on the spectrometer PC and relays websocket calls to
// the Winspec automation interface.
//
//	winspec-server [flags] <ip> [port]
//	winspec-server [flags] <host:port>
//	winspec-server [-config file] -audit <n>
//
// With -audit the server does not start; it prints the n newest entries of the
// configured call log as tab-separated rows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"winspec-relay/audit"
	"winspec-relay/automation"
	"winspec-relay/config"
	"winspec-relay/logging"
	"winspec-relay/middleware"
	"winspec-relay/registry"
	"winspec-relay/server"
	"winspec-relay/simulator"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "winspec-server:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "winspec-server.json", "configuration file; missing file means defaults")
	simulate := flag.Bool("simulate", false, "serve the simulated spectrometer instead of Winspec")
	logLevel := flag.String("log-level", "", "override logging.level (debug, info, warn, error)")
	auditEntries := flag.Int("audit", 0, "print this many recent audit log entries and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <ip> [port] | <host:port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *simulate {
		cfg.Automation.Backend = config.BackendSimulator
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if flag.NArg() > 0 {
		if cfg.Server.Listen, err = config.ListenAddress(flag.Args()); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *auditEntries > 0 {
		return printAudit(context.Background(), cfg.Audit.Path, *auditEntries, os.Stdout)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve runs the relay until ctx ends or the listener fails.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	root, err := openBackend(cfg.Automation, logger)
	if err != nil {
		return err
	}
	policy, err := automation.ParseBusyPolicy(cfg.Automation.BusyPolicy)
	if err != nil {
		return err
	}
	handle := automation.NewHandle(root, policy)
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Warn("close automation handle", zap.Error(err))
		}
	}()

	svr := server.NewServer(handle,
		server.WithLogger(logging.Component(logger, "server")),
		server.WithPath(cfg.Server.Path),
		server.WithReadLimit(cfg.Server.ReadLimit),
		server.WithPingInterval(time.Duration(cfg.Server.PingInterval)),
	)

	mws, closeAudit, err := buildMiddlewares(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()
	for _, mw := range mws {
		svr.Use(mw)
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()

	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints)
		if err != nil {
			return fmt.Errorf("connect registry: %w", err)
		}
		defer reg.Close()
		if err := svr.Announce(ctx, reg, cfg.Registry.Service, instance(cfg, ln.Addr()), cfg.Registry.TTL); err != nil {
			return err
		}
	}

	logger.Info("winspec relay started",
		zap.String("listen", ln.Addr().String()),
		zap.String("backend", string(cfg.Automation.Backend)),
		zap.String("busy_policy", string(policy)))

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-served
}

func openBackend(cfg config.AutomationConfig, logger *zap.Logger) (automation.Object, error) {
	switch cfg.Backend {
	case config.BackendSimulator:
		logger.Warn("serving the simulated spectrometer")
		return automation.Reflect(simulator.New(simulator.Options{MoveDelay: 200 * time.Millisecond}))
	case config.BackendCOM:
		root, err := automation.OpenCOM(cfg.Objects)
		if errors.Is(err, errors.ErrUnsupported) {
			return nil, fmt.Errorf("%w (use -simulate away from the spectrometer PC)", err)
		}
		return root, err
	}
	return nil, fmt.Errorf("unknown automation backend %q", cfg.Backend)
}

// buildMiddlewares assembles the call chain from the configuration, outermost first.
// The returned func closes the audit log, if one was opened.
func buildMiddlewares(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]middleware.Middleware, func(), error) {
	mc := cfg.Middleware
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logging.Component(logger, "call"))}
	closeAudit := func() {}

	if cfg.Audit.Enabled {
		auditLog, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, nil, err
		}
		pruneCtx, stopPrune := context.WithCancel(ctx)
		closeAudit = func() {
			stopPrune()
			if err := auditLog.Close(); err != nil {
				logger.Warn("close audit log", zap.Error(err))
			}
		}
		if cfg.Audit.Retain > 0 {
			go prune(pruneCtx, auditLog, time.Duration(cfg.Audit.Retain), logger)
		}
		mws = append(mws, middleware.AuditMiddleware(auditLog, logging.Component(logger, "audit")))
	}
	if mc.RateLimit > 0 {
		burst := mc.RateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimitMiddleware(mc.RateLimit, burst))
	}
	if mc.BusyRetries > 0 {
		mws = append(mws, middleware.RetryMiddleware(mc.BusyRetries, time.Duration(mc.RetryDelay), logging.Component(logger, "retry")))
	}
	if mc.CallTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(time.Duration(mc.CallTimeout)))
	}
	return mws, closeAudit, nil
}

// prune deletes audit entries older than retain, at start-up and then periodically.
func prune(ctx context.Context, auditLog *audit.Log, retain time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := auditLog.DeleteOlderThan(ctx, retain)
		if err != nil {
			logger.Warn("prune audit log", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned audit log", zap.Int64("entries", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// printAudit writes the newest n call log entries, newest first.
func printAudit(ctx context.Context, path string, n int, out io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	auditLog, err := audit.Open(path)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	entries, err := auditLog.Recent(ctx, n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		outcome := "ok"
		if !e.OK {
			outcome = string(e.Category)
			if e.Code != "" {
				outcome += "/" + e.Code
			}
		}
		if _, err := fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.Format(time.RFC3339Nano), e.Session, e.Remote, e.Kind, e.Path, outcome, e.Took, e.Message); err != nil {
			return err
		}
	}
	return nil
}

// instance describes this server for the registry. Without an explicit advertise
// URL the listen address is used, which must then be routable.
func instance(cfg config.Config, addr net.Addr) registry.ServiceInstance {
	url := cfg.Registry.Advertise
	if url == "" {
		url = "ws://" + addr.String() + cfg.Server.Path
	}
	name := cfg.Registry.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	return registry.ServiceInstance{Addr: url, Name: name, Weight: 1, Version: "1"}
}
