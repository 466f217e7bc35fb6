// Package main is the entry point for the Sweeper Lambda function.
//
// The sweeper is a maintenance multiplexer: EventBridge rules send JSON
// payloads naming a TaskType, and the handler routes execution to the
// matching billing sweep. Consolidating the low-frequency sweeps into one
// Lambda keeps cold starts and infrastructure sprawl down.
//
// Every sweep is idempotent, so overlapping schedules and redeliveries are
// safe without a distributed lock.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinbank/internal/billing"
	"coinbank/internal/config"
	"coinbank/internal/db"
	"coinbank/internal/economy"
	"coinbank/internal/external"
	"coinbank/internal/queue"
	"coinbank/internal/scheduler"
	"coinbank/internal/telemetry"
)

// Sweeper is the slice of the maintenance service the handler dispatches to.
type Sweeper interface {
	CapSweep(ctx context.Context, now time.Time) error
	ResetSweep(ctx context.Context, now time.Time) error
	ApplyDueDowngrades(ctx context.Context, now time.Time) error
	ApplyExpiredCancellations(ctx context.Context, now time.Time) error
}

// Alerter delivers operational alert mail. Implemented by
// external.SendGridMailer.
type Alerter interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// Handler holds the sweeper Lambda dependencies.
type Handler struct {
	Sweeps       Sweeper
	Alerts       Alerter
	AlertAddress string
	Logger       *slog.Logger
}

// Handle routes a maintenance payload to the matching sweep. Task failures
// raise an ops alert mail (when configured) and return the error so the
// invocation shows as failed and EventBridge retry policy applies.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	logger.InfoContext(ctx, "sweeper invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	err := h.dispatch(ctx, payload.Task, now)
	if err != nil {
		logger.ErrorContext(ctx, "sweep failed",
			"task", string(payload.Task),
			"error", err,
		)
		h.alert(ctx, payload.Task, now, err)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete", payload.Task)
	logger.InfoContext(ctx, result, "task", string(payload.Task))
	return result, nil
}

// dispatch routes a TaskType to the matching sweep.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) error {
	switch task {
	case scheduler.TaskCapSweep:
		return h.Sweeps.CapSweep(ctx, now)
	case scheduler.TaskResetSweep:
		return h.Sweeps.ResetSweep(ctx, now)
	case scheduler.TaskApplyDowngrades:
		return h.Sweeps.ApplyDueDowngrades(ctx, now)
	case scheduler.TaskExpireCancellations:
		return h.Sweeps.ApplyExpiredCancellations(ctx, now)
	default:
		return fmt.Errorf("unknown task type: %q", task)
	}
}

// alert mails the ops address about a failed sweep. Delivery failures are
// logged and swallowed; the invocation error already carries the root cause.
func (h *Handler) alert(ctx context.Context, task scheduler.TaskType, now time.Time, cause error) {
	if h.Alerts == nil || h.AlertAddress == "" {
		return
	}
	subject := fmt.Sprintf("[coinbank] maintenance sweep %s failed", task)
	body := fmt.Sprintf("Task: %s\nReference time: %s\nError: %v\n",
		task, now.Format(time.RFC3339), cause)
	if _, err := h.Alerts.Send(ctx, h.AlertAddress, subject, body); err != nil {
		h.Logger.ErrorContext(ctx, "failed to send sweep alert mail",
			"task", string(task),
			"error", err,
		)
	}
}

// maintenanceDB joins the balance and subscription repositories into the
// single repository surface the sweeps scan.
type maintenanceDB struct {
	*db.BalanceRepo
	*db.SubscriptionRepo
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("sweeper Lambda initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	balances := db.NewBalanceRepo(pool, logger)
	subscriptions := db.NewSubscriptionRepo(pool, logger)
	ledger := db.NewLedgerRepo(pool)
	plans := billing.NewStaticPlanRegistry()

	events := queue.NewBillingEventPublisher(sqsClient, cfg.AWS, logger)
	metrics := telemetry.NewCloudWatchEmitter(cwClient, logger)

	coins := economy.NewService(balances, ledger, plans, subscriptions,
		events, metrics, cfg.Economy, logger)

	sweeps := scheduler.NewMaintenanceService(
		maintenanceDB{balances, subscriptions},
		coins,
		plans,
		events,
		metrics,
		cfg.Economy,
		logger,
	)

	var alerts Alerter
	if key := cfg.Email.SendGridAPIKey.Unmask(); key != "" && cfg.Email.AlertAddress != "" {
		alerts = external.NewSendGridMailer(
			&http.Client{Timeout: 10 * time.Second},
			external.SendGridConfig{
				APIKey:      key,
				FromAddress: cfg.Email.FromAddress,
				FromName:    cfg.Email.FromName,
				Logger:      logger,
			},
		)
	} else {
		logger.Warn("sweep alert mail disabled",
			"sendgrid_key_set", key != "",
			"alert_address_set", cfg.Email.AlertAddress != "")
	}

	handler := &Handler{
		Sweeps:       sweeps,
		Alerts:       alerts,
		AlertAddress: cfg.Email.AlertAddress,
		Logger:       logger,
	}

	logger.Info("sweeper Lambda initialized")
	lambda.Start(handler.Handle)
}
