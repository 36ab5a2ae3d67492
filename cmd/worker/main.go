package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/config"
	"github.com/suPer8Hu/agentdesk/internal/db"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/logging"
	"github.com/suPer8Hu/agentdesk/internal/store/rabbitmq"
	"github.com/suPer8Hu/agentdesk/internal/syncjob"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logrus.WithError(err).Fatal("db connect")
	}

	instances := instance.NewRepo(gdb)
	store := chat.NewStore(chat.NewRepo(gdb), instances, chat.Policy{DefaultTimezone: cfg.DefaultTimezone})
	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	runner := syncjob.NewRunner(syncjob.NewRepo(gdb), instances, gw, store)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		logrus.WithError(err).Fatal("rabbit consumer")
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx, runner.Handle); err != nil {
		logrus.WithError(err).Fatal("[WORKER] consume")
	}
	logrus.Info("[WORKER] stopped")
}
