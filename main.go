package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/config"
	"github.com/casare-rpa/orchestrator/pkg/database"
	"github.com/casare-rpa/orchestrator/pkg/deploy"
	"github.com/casare-rpa/orchestrator/pkg/dispatcher"
	"github.com/casare-rpa/orchestrator/pkg/dlq"
	"github.com/casare-rpa/orchestrator/pkg/events"
	"github.com/casare-rpa/orchestrator/pkg/logging"
	"github.com/casare-rpa/orchestrator/pkg/models"
	"github.com/casare-rpa/orchestrator/pkg/monitoring"
	"github.com/casare-rpa/orchestrator/pkg/queue"
	"github.com/casare-rpa/orchestrator/pkg/triggers"
	"github.com/casare-rpa/orchestrator/pkg/versioning"
	"github.com/casare-rpa/orchestrator/pkg/workflow"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting orchestrator",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("database", cfg.Database.Database))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cloud subcommands shell out to the deploy CLI and exit; anything else
	// runs the orchestrator server.
	if len(os.Args) > 1 {
		if err := runCloudCommand(ctx, cfg, logger, os.Args[1:]); err != nil {
			logger.Fatal("cloud command failed", zap.Error(err))
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("orchestrator failed", zap.Error(err))
	}
}

// runCloudCommand handles `deploy <target> <version>`, `scale <target>
// <replicas>`, `status <target>`, and `rollback <target>`.
func runCloudCommand(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	client := deploy.NewClient(deploy.Config{
		CLIPath:        cfg.Deploy.CLIPath,
		CommandTimeout: cfg.Deploy.CommandTimeout,
		AutoRollback:   cfg.Deploy.AutoRollback,
	}, logger)

	var result *deploy.Result
	var err error
	switch {
	case args[0] == "deploy" && len(args) == 3:
		result, err = client.Deploy(ctx, args[1], args[2])
	case args[0] == "scale" && len(args) == 3:
		var replicas int
		if replicas, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid replica count %q: %w", args[2], err)
		}
		result, err = client.Scale(ctx, args[1], replicas)
	case args[0] == "status" && len(args) == 2:
		result, err = client.Status(ctx, args[1])
	case args[0] == "rollback" && len(args) == 2:
		result, err = client.Rollback(ctx, args[1])
	default:
		return fmt.Errorf("usage: %s [deploy <target> <version> | scale <target> <replicas> | status <target> | rollback <target>]", os.Args[0])
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dbCfg := &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
		MinConnections: cfg.Database.MinConnections,
		SimpleProtocol: cfg.Database.SimpleProtocol,
	}

	db, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sqlDB, err := sql.Open("pgx", dbCfg.URL)
	if err != nil {
		return err
	}
	if err := database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
		_ = sqlDB.Close()
		return err
	}
	_ = sqlDB.Close()

	bus := events.NewBus(logger)

	producer := queue.NewProducer(db, dbCfg, queue.ProducerConfig{
		DefaultPriority:      cfg.Queue.DefaultPriority,
		DefaultMaxRetries:    cfg.Queue.DefaultMaxRetries,
		CommandTimeout:       cfg.Queue.CommandTimeout,
		MaxReconnectAttempts: cfg.Queue.MaxReconnectAttempts,
	}, bus, logger)

	// Migrations already created the schema; the asserts keep startup safe
	// against a database that skipped them.
	if err := queue.EnsureJobTable(ctx, db); err != nil {
		return err
	}
	dlqManager := dlq.NewManager(db, cfg.DLQ.RetrySchedule, logger)
	if err := dlqManager.EnsureDLQTable(ctx); err != nil {
		return err
	}

	disp := dispatcher.New(dispatcher.Config{
		Strategy:            dispatcher.StrategyName(cfg.Dispatcher.Strategy),
		PollInterval:        cfg.Dispatcher.PollInterval,
		HealthCheckInterval: cfg.Dispatcher.HealthCheckInterval,
		StaleRobotTimeout:   cfg.Dispatcher.StaleRobotTimeout,
		DispatchBatchSize:   10,
	}, producer, nil, bus, logger)
	disp.Start(ctx)
	defer disp.Stop()

	versionStore := versioning.NewStore(db, logger)
	loader := workflow.NewLoader(workflow.DefaultLimits(), logger)

	// Triggers enqueue the active workflow version with the firing event's
	// payload as workflow variables.
	triggerManager := triggers.NewManager(
		newTriggerJobCreator(ctx, producer, versionStore, loader), logger)
	triggerManager.Start()
	defer triggerManager.Stop()

	triggerServer := triggers.NewServer(triggerManager, triggers.ServerConfig{
		Port:            cfg.Triggers.Port,
		WebhookURL:      cfg.WebhookURL,
		StripeTolerance: cfg.Triggers.StripeTolerance,
	}, logger)

	adapter := monitoring.NewAdapter(db, disp, producer, logger)
	monitoringServer := monitoring.NewServer(monitoring.ServerConfig{
		Port:             cfg.Monitoring.Port,
		BroadcastTimeout: cfg.Monitoring.BroadcastTimeout,
		APIKey:           cfg.Monitoring.APIKey,
	}, adapter, bus, prometheus.NewRegistry(), logger)

	errCh := make(chan error, 2)
	go func() { errCh <- triggerServer.Start() }()
	go func() { errCh <- monitoringServer.Start() }()

	go publishQueueDepth(ctx, producer, bus, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := triggerServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("trigger server shutdown failed", zap.Error(err))
	}
	if err := monitoringServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("monitoring server shutdown failed", zap.Error(err))
	}
	return nil
}

// newTriggerJobCreator builds the callback that turns a fired trigger into an
// enqueued job. When the workflow has an active stored version, its document
// is validated through the loader and enqueued; otherwise the job carries an
// empty document and the robot resolves the workflow itself.
func newTriggerJobCreator(ctx context.Context, producer *queue.Producer, store *versioning.Store, loader *workflow.Loader) triggers.JobCreator {
	return func(event models.TriggerEvent) error {
		workflowJSON := "{}"
		workflowName := event.WorkflowID

		history, err := store.LoadHistory(ctx, event.WorkflowID)
		if err != nil {
			return fmt.Errorf("failed to load workflow versions: %w", err)
		}
		if active := history.Active(); active != nil && active.Workflow != nil {
			loaded, err := loader.Load(active.Workflow, workflow.Options{})
			if err != nil {
				return fmt.Errorf("active workflow %s rejected: %w", event.WorkflowID, err)
			}
			data, err := json.Marshal(loaded)
			if err != nil {
				return fmt.Errorf("failed to marshal workflow: %w", err)
			}
			workflowJSON = string(data)
			if loaded.Metadata.Name != "" {
				workflowName = loaded.Metadata.Name
			}
		}

		_, err = producer.Enqueue(ctx, models.JobSubmission{
			WorkflowID:   event.WorkflowID,
			WorkflowName: workflowName,
			WorkflowJSON: workflowJSON,
			Variables:    event.Payload,
		})
		return err
	}
}

// publishQueueDepth periodically samples visible pending jobs so the
// queue-metrics stream and Prometheus gauge stay current.
func publishQueueDepth(ctx context.Context, producer *queue.Producer, bus *events.Bus, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := producer.GetQueueDepth(ctx)
			if err != nil {
				logger.Warn("failed to sample queue depth", zap.Error(err))
				continue
			}
			if depth != last {
				last = depth
				bus.Publish(models.QueueDepthChanged{Depth: depth, Timestamp: time.Now().UTC()})
			}
		}
	}
}
