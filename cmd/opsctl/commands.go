package main

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/agentdesk/internal/auth"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/db"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/store/rabbitmq"
	"github.com/suPer8Hu/agentdesk/internal/store/redisstore"
	"github.com/suPer8Hu/agentdesk/internal/syncjob"
	"gorm.io/gorm"
)

func openDB() (*gorm.DB, error) {
	return db.Connect(cfg.DBDriver, cfg.DBDSN)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := openDB()
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			logrus.Info("migrated")
			return nil
		},
	}
}

func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Verify every connected instance against the gateway once",
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := openDB()
			if err != nil {
				return err
			}
			rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			defer rds.Close()

			gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
			mgr := instance.NewManager(instance.NewRepo(gdb), gw, rds,
				syncjob.NewEnqueuer(syncjob.NewRepo(gdb), nil), instance.Options{
					StatusTTL:  cfg.StatusCacheTTL,
					QRCacheTTL: cfg.QRCacheTTL,
					QRValidity: cfg.QRValidity,
				})
			report, err := mgr.HealthCheckAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d corrected=%d errors=%d\n",
				report.Checked, len(report.Corrected), report.Errors)
			for _, name := range report.Corrected {
				fmt.Fprintf(cmd.OutOrStdout(), "  disconnected: %s\n", name)
			}
			return nil
		},
	}
}

func trimCmd() *cobra.Command {
	var (
		threadID string
		keep     int
	)
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Delete all but the newest messages of a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return errors.New("--thread is required")
			}
			gdb, err := openDB()
			if err != nil {
				return err
			}
			deleted, err := chat.NewRepo(gdb).TrimMessages(cmd.Context(), threadID, chat.ClampKeep(keep))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d kept<=%d\n", deleted, chat.ClampKeep(keep))
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id")
	cmd.Flags().IntVar(&keep, "keep", 100, "messages to keep (10-1000)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID uint64
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return errors.New("--user is required")
			}
			tok, err := auth.SignJWT(userID, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and retry sync jobs",
	}
	cmd.AddCommand(syncFailedCmd(), syncRetryCmd(), syncEnqueueCmd())
	return cmd
}

func syncFailedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed sync jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := openDB()
			if err != nil {
				return err
			}
			jobs, err := syncjob.NewRepo(gdb).ListByStatus(cmd.Context(), syncjob.StatusFailed, limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				msg := ""
				if j.Error != nil {
					msg = *j.Error
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tinstance=%d\tkind=%s\t%s\n", j.ID, j.InstanceID, j.Kind, msg)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to list")
	return cmd
}

func syncRetryCmd() *cobra.Command {
	var delay, stale time.Duration
	cmd := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Requeue a failed or abandoned sync job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := openDB()
			if err != nil {
				return err
			}
			pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
			if err != nil {
				return fmt.Errorf("rabbit publisher: %w", err)
			}
			defer pub.Close()

			jobID := args[0]
			if err := syncjob.NewRepo(gdb).Requeue(cmd.Context(), jobID, stale); err != nil {
				return err
			}
			if delay > 0 {
				err = pub.PublishRetry(cmd.Context(), jobID, delay)
			} else {
				err = pub.PublishJob(cmd.Context(), jobID)
			}
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"job_id": jobID, "delay": delay.String()}).Info("[SYNC] job requeued")
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "route through the retry queue with this delay")
	cmd.Flags().DurationVar(&stale, "stale", 15*time.Minute, "also requeue a running job started longer ago than this (0 = failed jobs only)")
	return cmd
}

func syncEnqueueCmd() *cobra.Command {
	var (
		instanceID uint64
		kind       string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule a sync job for an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if instanceID == 0 {
				return errors.New("--instance is required")
			}
			gdb, err := openDB()
			if err != nil {
				return err
			}
			if _, err := instance.NewRepo(gdb).Get(cmd.Context(), instanceID); err != nil {
				return err
			}
			pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
			if err != nil {
				return fmt.Errorf("rabbit publisher: %w", err)
			}
			defer pub.Close()

			enq := syncjob.NewEnqueuer(syncjob.NewRepo(gdb), pub)
			if kind == "" {
				return enq.EnqueueInitialSync(cmd.Context(), instanceID)
			}
			if !slices.Contains(syncjob.InitialKinds, syncjob.Kind(kind)) {
				return fmt.Errorf("unknown kind %q", kind)
			}
			job, err := enq.Enqueue(cmd.Context(), instanceID, syncjob.Kind(kind))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&instanceID, "instance", 0, "instance id")
	cmd.Flags().StringVar(&kind, "kind", "", "contacts, messages or groups; empty runs all three")
	return cmd
}
