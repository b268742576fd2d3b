package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Wikid82/netgate/internal/api/routes"
	"github.com/Wikid82/netgate/internal/cerberus"
	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/database"
	"github.com/Wikid82/netgate/internal/enforcement"
	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/metrics"
	"github.com/Wikid82/netgate/internal/server"
	"github.com/Wikid82/netgate/internal/services"
	"github.com/Wikid82/netgate/internal/version"
)

func main() {
	// Handle CLI commands
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if err := hashToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	permissive := flag.Bool("permissive", false, "keep running with an empty rule set when the rule file is unreadable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if *permissive {
		cfg.Permissive = true
	}

	// Log to both stdout and a rotated file
	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create log directory: %v\n", err)
		os.Exit(1)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "netgate.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	defer rotator.Close()
	logger.Init(cfg.Debug, io.MultiWriter(os.Stdout, rotator))

	if err := run(cfg); err != nil {
		logger.Log().WithError(err).Error("netgate stopped")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log := logger.Log()
	log.WithFields(logrus.Fields{
		"version":        version.Full(),
		"default_policy": cfg.DefaultPolicy,
		"miss_mode":      cfg.MissMode,
		"data_dir":       cfg.DataDir,
	}).Infof("starting %s", version.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	notifier := services.NewNotificationService(services.DefaultSubscriberBuffer)
	if len(cfg.NotifyURLs) > 0 {
		if err := notifier.EnableExternal(cfg.NotifyURLs, cfg.NotifyEvery); err != nil {
			return fmt.Errorf("%w: notify_urls: %v", config.ErrConfig, err)
		}
	}

	rules, err := services.NewRuleService(cfg.RulesPath, cfg.Permissive, notifier)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	pending := services.NewPendingService(cfg.PendingTimeout, cfg.MaxPending, notifier)
	ledger, err := services.NewLedgerService(db, cfg.AccessLogPath, cfg.RecentWindow)
	if err != nil {
		return fmt.Errorf("open access ledger: %w", err)
	}
	auth, err := services.NewAuthService(cfg.APITokenHash)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	if !auth.Enabled() {
		log.Warn("api_token_hash is not set; the control API accepts unauthenticated requests")
	}
	backups, err := services.NewBackupService(rules, cfg.Backup)
	if err != nil {
		return fmt.Errorf("%w: backup: %v", config.ErrConfig, err)
	}

	cerb := cerberus.New(cfg, rules, pending, ledger)

	var resolver enforcement.Resolver
	if cfg.Enforcement.Docker {
		docker, err := enforcement.NewDockerResolver()
		if err != nil {
			log.WithError(err).Warn("docker unavailable; enforcement accepts IP addresses only")
		} else {
			defer docker.Close()
			resolver = docker
		}
	}
	enf := enforcement.NewManager(cfg.Enforcement, db, enforcement.NewExecRunner(cfg.Enforcement.IPTablesPath), resolver)
	if err := enf.Start(ctx); err != nil {
		return err
	}

	backups.Start()

	var wg sync.WaitGroup
	if cfg.WatchRules {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rules.Watch(ctx); err != nil {
				log.WithError(err).Warn("rule file watcher stopped")
			}
		}()
	}
	if cfg.Interactive {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			cerb.EnablePrompts()
			wg.Add(1)
			go func() {
				defer wg.Done()
				cerb.RunPrompter(ctx, cerberus.TerminalPrompter{})
			}()
		} else {
			log.Warn("interactive prompts requested but stdin is not a terminal; use the control API")
		}
	}

	apiEngine := server.NewEngine(cfg)
	routes.Register(apiEngine, routes.Deps{
		Rules:       rules,
		Pending:     pending,
		Ledger:      ledger,
		Notifier:    notifier,
		Auth:        auth,
		Backups:     backups,
		Cerberus:    cerb,
		Enforcement: enf,
		Gatherer:    registry,
	})
	hookEngine := server.NewEngine(cfg)
	routes.RegisterHook(hookEngine, cerb)

	servers := []*server.Server{
		server.New("api", apiEngine, server.Addr(cfg.APIPort)),
		server.New("hook", hookEngine, server.Addr(cfg.HookPort)),
	}
	errCh := make(chan error, len(servers))
	srvCtx, cancelServers := context.WithCancel(context.Background())
	defer cancelServers()
	var srvWG sync.WaitGroup
	for _, s := range servers {
		srvWG.Add(1)
		go func(s *server.Server) {
			defer srvWG.Done()
			if err := s.Run(srvCtx); err != nil {
				errCh <- fmt.Errorf("%s server: %w", s.Name, err)
				stop()
			}
		}(s)
	}

	<-ctx.Done()
	log.Info("shutting down")

	// Held requests get their default deny before the listeners close, so
	// the proxy sees a verdict rather than a reset connection.
	cerb.Shutdown()
	cancelServers()
	srvWG.Wait()
	wg.Wait()

	var errs []error
	close(errCh)
	for err := range errCh {
		errs = append(errs, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := enf.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tear down enforcement: %w", err))
	}
	backups.Stop()
	notifier.Close()
	if err := ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	return errors.Join(errs...)
}

// hashToken prints the bcrypt hash to configure as api_token_hash.
func hashToken(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s hash-token <token>", os.Args[0])
	}
	hash, err := services.HashToken(args[0])
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Println(hash)
	return nil
}
