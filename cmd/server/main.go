package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/agent"
	"github.com/suPer8Hu/agentdesk/internal/ai"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/config"
	"github.com/suPer8Hu/agentdesk/internal/db"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"github.com/suPer8Hu/agentdesk/internal/httpapi"
	"github.com/suPer8Hu/agentdesk/internal/httpapi/handlers"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/logging"
	"github.com/suPer8Hu/agentdesk/internal/store/rabbitmq"
	"github.com/suPer8Hu/agentdesk/internal/store/redisstore"
	"github.com/suPer8Hu/agentdesk/internal/syncjob"
	"github.com/suPer8Hu/agentdesk/internal/webhook"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logrus.WithError(err).Fatal("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		logrus.WithError(err).Fatal("db migrate")
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		// the caches are advisory; misses fall through to the db and gateway
		logrus.WithError(err).Warn("redis unavailable, running without caches")
	}
	cancel()

	jobs := syncjob.NewRepo(gdb)
	var enqueuer *syncjob.Enqueuer
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logrus.WithError(err).Warn("rabbitmq unavailable, sync jobs stay queued until retried")
		enqueuer = syncjob.NewEnqueuer(jobs, nil)
	} else {
		defer pub.Close()
		enqueuer = syncjob.NewEnqueuer(jobs, pub)
	}

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	reg := newProviders(cfg)

	instances := instance.NewRepo(gdb)
	agents := agent.NewRepo(gdb)
	chatRepo := chat.NewRepo(gdb)

	mgr := instance.NewManager(instances, gw, rds, enqueuer, instance.Options{
		WebhookURL: strings.TrimRight(cfg.WebhookBaseURL, "/") + "/webhooks/whatsapp",
		StatusTTL:  cfg.StatusCacheTTL,
		QRCacheTTL: cfg.QRCacheTTL,
		QRValidity: cfg.QRValidity,
	})
	dispatcher := chat.NewDispatcher(chatRepo, agents, agent.NewExecutor(reg), gw, cfg.ChatContextWindowSize)
	store := chat.NewStore(chatRepo, instances, chat.Policy{DefaultTimezone: cfg.DefaultTimezone})
	svc := chat.NewService(chatRepo, dispatcher, agents)
	proc := webhook.NewProcessor(mgr, store, dispatcher)

	h := handlers.NewHandler(mgr, agents, reg, svc, proc, jobs)
	r := httpapi.NewRouter(h, httpapi.RouterOptions{
		JWTSecret:      cfg.JWTSecret,
		WebhookTimeout: cfg.WebhookTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.HealthCheckSchedule, func() {
		hctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		report, err := mgr.HealthCheckAll(hctx)
		if err != nil {
			logrus.WithError(err).Error("[HEALTH] run failed")
			return
		}
		logrus.WithFields(logrus.Fields{
			"checked":   report.Checked,
			"corrected": len(report.Corrected),
			"errors":    report.Errors,
		}).Info("[HEALTH] run finished")
	}); err != nil {
		logrus.WithError(err).WithField("schedule", cfg.HealthCheckSchedule).Fatal("bad health check schedule")
	}
	sched.Start()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	logrus.Info("server shutting down")
	<-sched.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("shutdown")
	}
}

// newProviders registers every completion backend. Agents pick one by name;
// unknown names fall back to AI_PROVIDER.
func newProviders(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry(cfg.AIProvider)
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m, cfg.CompletionTimeout), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OPENROUTER_API_KEY is not set")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName, cfg.CompletionTimeout), nil
	})
	return reg
}
