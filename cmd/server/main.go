package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"medical-translator/internal/config"
	"medical-translator/internal/core"
	"medical-translator/internal/db"
	"medical-translator/internal/dispatch"
	httpserver "medical-translator/internal/http"
	"medical-translator/internal/llm"
	"medical-translator/internal/logger"
	"medical-translator/internal/outbox"
	"medical-translator/internal/realtime"
	"medical-translator/internal/store"
	"medical-translator/pkg"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	// Open database connection
	dbConn, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		lg.Fatal("failed to open database", zap.Error(err))
	}
	defer dbConn.Close()
	dbConn.SetMaxOpenConns(cfg.Database.MaxConns)
	dbConn.SetMaxIdleConns(cfg.Database.MaxIdle)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(pingCtx); err != nil {
		lg.Fatal("failed to ping database", zap.Error(err))
	}
	if err := db.Migrate(ctx, dbConn); err != nil {
		lg.Fatal("failed to run migrations", zap.Error(err))
	}
	repo := db.NewRepository(dbConn, lg)

	notifier := db.NewNotifier(dbConn, cfg.Database.URL, cfg.Database.NotifyChannel, lg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := notifier.Run(ctx); err != nil {
			lg.Error("visit notification listener stopped", zap.Error(err))
		}
	}()

	var analyzerOpts []core.AnalyzerOption
	analyzerOpts = append(analyzerOpts, core.WithNotifier(notifier), core.WithTimeout(cfg.HTTP.AnalyzeTimeout))
	var (
		mirror   core.EventMirror
		eventLog httpserver.EventLogReader
	)
	if cfg.Redis.Enabled {
		rdb, err := store.NewRedisClient(ctx, store.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			lg.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		analyzerOpts = append(analyzerOpts, core.WithLocker(store.NewRedisLocker(rdb, cfg.Redis.Prefix, cfg.Redis.LockTTL, lg)))
		rlog := store.NewRedisEventLog(rdb, cfg.Redis.Prefix, cfg.Redis.EventLogTTL, cfg.Realtime.MaxEvents)
		mirror, eventLog = rlog, rlog
	}

	llmClient := llm.NewOpenAIClient(llm.Options{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		ChatModel:    cfg.OpenAI.ModelChat,
		SummaryModel: cfg.OpenAI.ModelSummary,
		TTSModel:     cfg.OpenAI.ModelTTS,
		TTSVoice:     cfg.OpenAI.TTSVoice,
		TTSSpeed:     cfg.OpenAI.TTSSpeed,
	})

	var sink dispatch.ActionSink
	if cfg.Actions.WebhookURL != "" {
		sink = dispatch.NewWebhookSink(cfg.Actions.WebhookURL, cfg.Actions.Timeout, lg)
	}
	var publisher dispatch.Publisher
	if cfg.MQTT.Enabled {
		mq, err := dispatch.NewMQTTPublisher(dispatch.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
			Timeout:  cfg.MQTT.Timeout,
		}, lg)
		if err != nil {
			lg.Fatal("failed to connect to mqtt broker", zap.Error(err))
		}
		defer mq.Close()
		publisher = mq
	}
	executor := dispatch.NewExecutor(sink, publisher, cfg.MQTT.TopicPrefix, lg)
	analyzer := core.NewAnalyzer(repo, llmClient, executor, lg, analyzerOpts...)

	registry := core.NewRegistry()
	ob, err := outbox.Open(cfg.Outbox.Path, cfg.Outbox.MaxAttempts, lg)
	if err != nil {
		lg.Fatal("failed to open outbox", zap.Error(err))
	}
	defer ob.Close()
	ob.SetPersistTimeout(cfg.Realtime.PersistTimeout)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ob.Run(ctx, cfg.Outbox.Interval, repo.CreateMessage, func(e outbox.Entry, stored *pkg.Message) {
			registry.ConfirmPersisted(e.SessionID, e.LocalID, stored)
		})
	}()

	minter := realtime.NewMinter(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Timeout, realtime.SessionConfig{
		Model:        cfg.OpenAI.ModelRealtime,
		Voice:        cfg.OpenAI.RealtimeVoice,
		Instructions: core.SystemPrompt(),
		Tools:        core.RealtimeManifest(),
	}, lg)

	policy, err := core.ParseEventPolicy(cfg.Realtime.EventPolicy)
	if err != nil {
		lg.Fatal("invalid event policy", zap.Error(err))
	}
	srv := httpserver.NewServer(httpserver.Deps{
		Store:       repo,
		Analyzer:    analyzer,
		Speaker:     llmClient,
		Credentials: minter,
		Notifier:    notifier,
		EventLog:    eventLog,
		Registry:    registry,
		Relay: httpserver.RelayConfig{
			Session: core.SessionConfig{
				Policy:         policy,
				MaxEvents:      cfg.Realtime.MaxEvents,
				PersistTimeout: cfg.Realtime.PersistTimeout,
				AnalyzeTimeout: cfg.HTTP.AnalyzeTimeout,
				AutoAnalyze:    cfg.Realtime.AutoAnalyze,
			},
			Bridge: realtime.BridgeConfig{
				URL:   cfg.OpenAI.RealtimeURL,
				Model: cfg.OpenAI.ModelRealtime,
			},
			Parker: ob,
			Mirror: mirror,
		},
		Logger:         lg,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		AnalyzeTimeout: cfg.HTTP.AnalyzeTimeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("http shutdown", zap.Error(err))
		}
	}()

	lg.Info("listening", zap.String("addr", cfg.HTTP.Addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatal("server error", zap.Error(err))
	}
	stop()
	wg.Wait()
	lg.Info("server stopped")
}
