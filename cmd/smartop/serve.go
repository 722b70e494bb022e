package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smartop/internal/app"
	"smartop/internal/config"
	"smartop/internal/db"
	"smartop/internal/engine"
	"smartop/internal/events"
	"smartop/internal/logger"
	"smartop/internal/metrics"
	"smartop/internal/migrate"
	"smartop/internal/notify"
	"smartop/internal/reminder"
	"smartop/internal/repo"
	"smartop/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, notification relays and overdue reminders",
		Long: `Start the HTTP API, notification relays and overdue reminders.

The API serves every company in the database; each caller is bound to the
company of its user. Webhooks in smartop.yml belong to the company that file
configures and only receive that company's events. Run one instance per
company to relay webhooks for several companies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			conn, err := db.Open(dbConfig())
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(ctx, conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			companyID, cfg, err := app.ResolveCompanyAndConfig(ctx, workspace, viper.GetString("company"), r)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "smartop")
			if err != nil {
				return err
			}
			defer log.Sync()

			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SMARTOP_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)

			sinks, closeSinks, err := buildBrokerSinks(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeSinks()
			async := notify.NewAsync(notify.Fanout{Sinks: sinks, Logger: log, Metrics: m}, cfg.Notifications.QueueSize, log, m)
			dispatcher := notify.Pipeline{
				Durable: notify.Fanout{Sinks: []notify.Sink{events.Writer{Repo: r}}, Logger: log, Metrics: m},
				Brokers: async,
			}

			e := engine.New(conn, cfg)
			e.Logger = log
			e.Metrics = m
			e.Dispatcher = dispatcher

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: log},
				Logger:   log,
				Gatherer: reg,
			})
			if err != nil {
				return err
			}

			sched := &reminder.Scheduler{
				Store:     r,
				Publisher: dispatcher,
				Schedule:  cfg.Reminders.Schedule,
				Batch:     cfg.Reminders.Batch,
				Logger:    log,
				Metrics:   m,
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCanceled(async.Run(gctx)) })
			if len(cfg.Notifications.Webhooks) > 0 {
				relay := &notify.WebhookRelay{
					Outbox:    r,
					CompanyID: companyID,
					Hooks:     cfg.Notifications.Webhooks,
					Logger:    log,
					Metrics:   m,
				}
				g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				log.Info("serving smartop API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("company_id", companyID),
					zap.Int("broker_sinks", len(sinks)),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from smartop.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from smartop.yml)")
	return cmd
}

// buildBrokerSinks returns the brokers configured in smartop.yml. The outbox
// is written synchronously and is not one of them. The returned func releases
// broker connections.
func buildBrokerSinks(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]notify.Sink, func(), error) {
	var sinks []notify.Sink
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	rc, err := notify.NewRedisClient(ctx, cfg.Notifications.Redis.URL)
	if err != nil {
		return nil, closeAll, err
	}
	if rc != nil {
		closers = append(closers, func() { _ = rc.Close() })
		sinks = append(sinks, notify.RedisSink{Client: rc, Prefix: "smartop:"})
		log.Info("redis notifications enabled")
	}
	if brokers := cfg.Notifications.Kafka.Brokers; len(brokers) > 0 {
		ks, err := notify.NewKafkaSink(brokers, cfg.Notifications.Kafka.Topic)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, ks.Close)
		sinks = append(sinks, ks)
		log.Info("kafka notifications enabled", zap.Strings("brokers", brokers), zap.String("topic", cfg.Notifications.Kafka.Topic))
	}
	return sinks, closeAll, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count control lists by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Stats(ctx, e.Config.Company.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable(table.Row{"Status", "Count"})
				total := 0
				for _, s := range []string{"draft", "pending", "in_progress", "completed", "approved", "rejected"} {
					tw.AppendRow(table.Row{s, counts[s]})
					total += counts[s]
				}
				tw.AppendFooter(table.Row{"total", total})
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed change to a control list, newest first.",
	}
	var n int
	var evtType, listID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, e.Config.Company.ID, evtType, listID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "When", "Type", "List", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.Timestamp.Format(time.RFC3339), evt.Type, evt.ControlListID, evt.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type")
	tail.Flags().StringVar(&listID, "list", "", "control list id")
	lg.AddCommand(tail)
	return lg
}

func remindersCmd() *cobra.Command {
	rc := &cobra.Command{Use: "reminders", Short: "Overdue reminders"}
	rc.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Publish overdue events once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sched := &reminder.Scheduler{
					Store:     e.Repo,
					Publisher: e.Dispatcher,
					Batch:     e.Config.Reminders.Batch,
					Logger:    e.Logger,
				}
				n, err := sched.ScanOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("published %d overdue reminder(s)\n", n)
				return nil
			})
		},
	})
	return rc
}
