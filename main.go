package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "agentex/app/configs"
	"agentex/app/core/auction"
	"agentex/app/core/bidder"
	"agentex/app/core/breaker"
	"agentex/app/core/brief"
	"agentex/app/core/completer"
	"agentex/app/core/decomposer"
	"agentex/app/core/exchange"
	"agentex/app/core/executor"
	"agentex/app/core/httpapi"
	"agentex/app/core/progress"
	"agentex/app/core/queue"
	"agentex/app/core/registry"
	"agentex/app/core/registry/builtins"
	"agentex/app/core/router"
	"agentex/app/pkg/logger"
)

const (
	exitOK                 = 0
	exitInvalidConfig      = 64
	exitMissingCredentials = 65
	exitPortInUse          = 69
	exitInternal           = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Agent Task Exchange starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		return exitInvalidConfig
	}
	cfg := cfgManager.Get()
	if err := config.Validate(cfg); err != nil {
		logger.Error("Invalid configuration: %v", err)
		return exitInvalidConfig
	}

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		logger.Error("No LLM credentials: set llm.api_key or OPENAI_API_KEY")
		return exitMissingCredentials
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	usage := completer.NewUsageTracker()
	llm := completer.NewOpenAI(apiKey, cfg.LLM.Model, usage)

	reg := registry.New()
	for _, err := range []error{
		func() error { a := builtins.NewTimeAgent(); return reg.Register(a.Descriptor(), a) }(),
		func() error { a := builtins.NewEchoAgent(); return reg.Register(a.Descriptor(), a) }(),
	} {
		if err != nil {
			logger.Error("Builtin registration failed: %v", err)
			return exitInternal
		}
	}

	brk := breaker.New(
		cfg.Bidder.Circuit.Threshold,
		time.Duration(cfg.Bidder.Circuit.ResetMs)*time.Millisecond,
		time.Duration(cfg.Bidder.Circuit.WindowMs)*time.Millisecond,
	)
	bd := bidder.New(llm, brk, time.Duration(cfg.Bidder.CacheTTLMs)*time.Millisecond, true)

	bus := progress.NewBus()
	cancelled := executor.NewCancelSet()
	exec := executor.New(reg, cancelled, bus, time.Duration(cfg.Executor.DefaultTimeoutMs)*time.Millisecond)

	exchangeSrv := exchange.NewServer(reg, bus, cancelled, exchange.Options{
		Token:             cfg.Exchange.Token,
		HeartbeatInterval: time.Duration(cfg.Exchange.HeartbeatMs) * time.Millisecond,
		MissedToAbort:     cfg.Exchange.MissedHeartbeatsToAbort,
	})
	auctioneer := auction.New(reg, bd, exchangeSrv, time.Duration(cfg.Auction.PerBidDeadlineMs)*time.Millisecond)

	queues := queue.NewManager(0)
	if err := queues.Create("main",
		cfg.Queue.Default.Concurrency,
		cfg.Queue.Default.MaxSize,
		queue.OverflowPolicy(cfg.Queue.Default.Overflow),
	); err != nil {
		logger.Error("Failed to create the main queue: %v", err)
		return exitInternal
	}

	hub := httpapi.NewSpeechHub(func(sessionID, text string) {
		fmt.Printf("[%s] %s\n", sessionID, text)
	})
	rt := router.New(router.Deps{
		Config:     cfg.Router,
		Completer:  llm,
		Decomposer: decomposer.New(llm),
		Auctioneer: auctioneer,
		Executor:   exec,
		Registry:   reg,
		Queues:     queues,
		Progress:   bus,
		Speaker:    hub,
		Queue:      "main",
	})
	queues.SetHandler(rt.HandleTask)
	if err := queues.Start(ctx); err != nil {
		logger.Error("Failed to start the dispatcher: %v", err)
		return exitInternal
	}
	defer func() {
		if err := queues.Stop(3 * time.Second); err != nil {
			logger.Error("Dispatcher shutdown timeout: %v", err)
		}
	}()

	// claim the exchange port up front so a conflict fails fast
	exchangeLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Exchange.Port))
	if err != nil {
		logger.Error("Exchange port %d unavailable: %v", cfg.Exchange.Port, err)
		if isAddrInUse(err) {
			return exitPortInUse
		}
		return exitInternal
	}
	go func() {
		srv := newHTTPServer(ctx, exchangeSrv.Handler())
		if err := srv.Serve(exchangeLn); err != nil && err != http.ErrServerClosed {
			logger.Error("Exchange server stopped: %v", err)
		}
	}()
	logger.Info("Exchange listening on ws://localhost:%d", cfg.Exchange.Port)

	composer := brief.New(reg, llm)
	api := httpapi.NewServer(cfg.HTTP.Port, rt, reg, queues, cancelled, composer, hub)
	go func() {
		if err := api.Start(ctx); err != nil {
			logger.Error("HTTP server crashed: %v", err)
		}
	}()

	if err := cfgManager.Watch(ctx, func(updated config.Config) {
		// live-reloadable settings only; ports and credentials need a restart
		rt.UpdateConfig(updated.Router)
	}); err != nil {
		logger.Error("Config watcher failed to start: %v", err)
	}

	logger.Info("Agent Task Exchange is ready.")
	fmt.Println("- HTTP Interface:  http://localhost:" + fmt.Sprint(cfg.HTTP.Port) + "/api/message (POST)")
	fmt.Println("- Agent Exchange:  ws://localhost:" + fmt.Sprint(cfg.Exchange.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Shutting down...", sig)
	cancel()
	return exitOK
}

func newHTTPServer(ctx context.Context, h http.Handler) *http.Server {
	srv := &http.Server{Handler: h}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
