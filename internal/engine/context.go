// Package engine wires the core's components together into a single
// runnable unit, following a cmd/server/main.go-style dependency-construction
// order (encryption -> database -> repositories -> domain services ->
// scheduler) adapted to Torale's task-monitoring domain.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toralehq/engine/internal/agent"
	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/manualrun"
	"github.com/toralehq/engine/internal/notification"
	"github.com/toralehq/engine/internal/orchestrator"
	"github.com/toralehq/engine/internal/repositories"
	"github.com/toralehq/engine/internal/scheduler"
	"github.com/toralehq/engine/internal/statemachine"
)

// Config bundles every environment-supplied setting the engine needs.
// cmd/torale-engine's loadConfig fills it from environment variables.
type Config struct {
	DBDriver string
	DBDSN    string

	EncryptionKey string // TORALE_ENCRYPTION_KEY; the AES-256 key is derived from it via HKDF-SHA256

	AgentURLFree                  string
	AgentURLPaid                  string
	AgentTimeout                  time.Duration
	AgentPollInterval             time.Duration
	AgentMaxConsecutivePollFailures int

	EmailProviderURL string
	EmailProviderKey string

	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookBackoff     []time.Duration

	SpamHourlyLimit         int
	SpamDailyLimit          int
	VerificationCodeTTL     time.Duration
	VerificationMaxAttempts int
	VerificationHourlyLimit int

	StaleExecutionThreshold time.Duration
	StaleReapInterval       time.Duration
	WebhookSweepInterval    time.Duration
}

// Context holds every constructed component, wired together, ready to run.
// Its component fields are exported; callers (cmd/torale-engine) use
// Start/Stop, and the Coordinator is what the (out-of-scope) API surface
// calls into.
type Context struct {
	DB *gorm.DB

	Tasks        repositories.TaskRepository
	Executions   repositories.TaskExecutionRepository
	Users        repositories.UserRepository
	Sends        repositories.NotificationSendRepository
	Deliveries   repositories.WebhookDeliveryRepository
	Verifications repositories.EmailVerificationRepository

	Agent        *agent.Client
	Dispatcher   notification.Dispatcher
	Scheduler    *scheduler.Scheduler
	StateMachine *statemachine.StateMachine
	Orchestrator *orchestrator.Orchestrator
	Coordinator  *manualrun.Coordinator

	logger *zap.Logger
}

// New constructs every component and wires them together, but does not yet
// start the scheduler — call Start for that.
func New(cfg Config, logger *zap.Logger) (*Context, error) {
	if err := db.InitEncryption([]byte(cfg.EncryptionKey)); err != nil {
		return nil, fmt.Errorf("engine: init encryption: %w", err)
	}

	gormDB, err := db.New(db.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open database: %w", err)
	}

	tasks := repositories.NewTaskRepository(gormDB)
	executions := repositories.NewTaskExecutionRepository(gormDB)
	users := repositories.NewUserRepository(gormDB)
	sends := repositories.NewNotificationSendRepository(gormDB)
	deliveries := repositories.NewWebhookDeliveryRepository(gormDB)
	verifications := repositories.NewEmailVerificationRepository(gormDB)

	agentClient := agent.New(agent.Config{
		URLFree:                    cfg.AgentURLFree,
		URLPaid:                    cfg.AgentURLPaid,
		Timeout:                    cfg.AgentTimeout,
		PollInterval:               cfg.AgentPollInterval,
		MaxConsecutivePollFailures: cfg.AgentMaxConsecutivePollFailures,
	}, logger)

	dispatcher := notification.NewDispatcher(notification.Config{
		EmailProviderURL:        cfg.EmailProviderURL,
		EmailProviderKey:        cfg.EmailProviderKey,
		WebhookTimeout:          cfg.WebhookTimeout,
		WebhookMaxAttempts:      cfg.WebhookMaxAttempts,
		WebhookBackoff:          cfg.WebhookBackoff,
		SpamHourlyLimit:         cfg.SpamHourlyLimit,
		SpamDailyLimit:          cfg.SpamDailyLimit,
		VerificationCodeTTL:     cfg.VerificationCodeTTL,
		VerificationMaxAttempts: cfg.VerificationMaxAttempts,
		VerificationHourlyLimit: cfg.VerificationHourlyLimit,
	}, users, sends, deliveries, verifications, logger)

	// orchestrator, scheduler, and statemachine form a three-way dependency:
	// orchestrator needs the scheduler (to register a task's next run) and
	// the state machine (to auto-complete a task); the state machine needs
	// the scheduler (to pause/resume/remove a job); the scheduler needs the
	// orchestrator (to run a task when its job fires). Construction order
	// below resolves this without an import cycle: the scheduler is built
	// first with its executor left unset, then the state machine (which only
	// needs the scheduler), then the orchestrator (which needs both), and
	// finally the scheduler's executor is supplied once the orchestrator
	// exists.
	sched, err := scheduler.New(scheduler.Config{
		StaleExecutionThreshold: cfg.StaleExecutionThreshold,
		StaleReapInterval:       cfg.StaleReapInterval,
		WebhookSweepInterval:    cfg.WebhookSweepInterval,
	}, tasks, executions, deliveries, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: construct scheduler: %w", err)
	}

	sm := statemachine.New(tasks, sched, logger)

	orch := orchestrator.New(tasks, executions, agentClient, dispatcher, sched, sm, logger)
	sched.SetExecutor(orch)

	coordinator := manualrun.New(tasks, executions, sched, orch, logger)

	return &Context{
		DB:            gormDB,
		Tasks:         tasks,
		Executions:    executions,
		Users:         users,
		Sends:         sends,
		Deliveries:    deliveries,
		Verifications: verifications,
		Agent:         agentClient,
		Dispatcher:    dispatcher,
		Scheduler:     sched,
		StateMachine:  sm,
		Orchestrator:  orch,
		Coordinator:   coordinator,
		logger:        logger.Named("engine"),
	}, nil
}

// Start begins the scheduler's startup reconciliation and its system jobs.
func (c *Context) Start(ctx context.Context) error {
	return c.Scheduler.Start(ctx)
}

// Stop gracefully shuts the scheduler down and closes the database.
func (c *Context) Stop() error {
	if err := c.Scheduler.Stop(); err != nil {
		c.logger.Warn("scheduler stop error", zap.Error(err))
	}
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("engine: get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
