package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/config"
	"github.com/kairon-os/kairon/internal/ingress"
	"github.com/kairon-os/kairon/internal/pipeline"
	"github.com/kairon-os/kairon/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// recoverGrace keeps startup recovery away from events another instance may
// still be processing.
const recoverGrace = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline with its HTTP, Kafka and scheduler inputs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader("🌐 Kairon Pipeline")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	msgBus := bus.NewMessageBus(cfg.Pipeline.QueueSize)
	p, err := newPipeline(cfg, svc, msgBus)
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		jobs, err := schedulerJobs(cfg.Scheduler.Jobs)
		if err != nil {
			return err
		}
		sched = scheduler.New(scheduler.Config{
			TickInterval:  cfg.Scheduler.TickInterval,
			PendingExpiry: cfg.Scheduler.PendingExpiry,
			Source:        cfg.Pipeline.Source + "/scheduler",
		}, msgBus, svc)
		for _, j := range jobs {
			sched.Register(j)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 6)
	)
	run := func(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	start := func(name string, fn func(context.Context) error) { run(ctx, &wg, name, fn) }

	// Tasks stop after the worker: runs finishing during shutdown still hand
	// off their tasks.
	var taskWG sync.WaitGroup
	taskCtx, stopTasks := context.WithCancel(context.Background())
	defer stopTasks()
	run(taskCtx, &taskWG, "tasks", msgBus.RunTasks)

	start("worker", pipeline.NewWorker(p, msgBus, cfg.Pipeline.MaxConcurrentRuns).Run)
	start("recover", func(ctx context.Context) error {
		return requeueUnprocessed(ctx, svc, msgBus, time.Now().Add(-recoverGrace))
	})

	if cfg.Ingress.HTTP.Enabled {
		server := &http.Server{
			Addr:              cfg.Ingress.HTTP.Addr,
			Handler:           ingress.NewHTTPHandler(svc, msgBus, cfg.Pipeline.Source),
			ReadHeaderTimeout: 10 * time.Second,
		}
		start("http", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				server.Shutdown(sctx)
			}()
			fmt.Printf("📥 HTTP ingress listening on http://%s/v1/events\n", cfg.Ingress.HTTP.Addr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.Ingress.Kafka.Enabled {
		src := ingress.NewKafkaSource(cfg.Ingress.Kafka.Brokers, cfg.Ingress.Kafka.GroupID, cfg.Ingress.Kafka.Topic, cfg.Pipeline.Source)
		defer src.Close()
		fmt.Printf("📥 Kafka ingress on %s (group %s)\n", cfg.Ingress.Kafka.Topic, cfg.Ingress.Kafka.GroupID)
		start("kafka", func(ctx context.Context) error { return src.Run(ctx, msgBus) })
	}

	if sched != nil {
		fmt.Printf("⏰ Scheduler running %d job(s)\n", len(sched.Jobs()))
		start("scheduler", sched.Run)
	}

	slog.Info("Pipeline started", "store", cfg.Store.Driver, "model", cfg.Model.Name, "max_runs", cfg.Pipeline.MaxConcurrentRuns)

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case runErr = <-errs:
		slog.Error("Component failed, shutting down", "error", runErr)
	}
	stop()
	wg.Wait()
	stopTasks()
	taskWG.Wait()
	return runErr
}
