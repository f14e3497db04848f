package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/quillhr/approvalflow/internal/application/service"
	"github.com/quillhr/approvalflow/internal/cache"
	"github.com/quillhr/approvalflow/internal/config"
	"github.com/quillhr/approvalflow/internal/export"
	"github.com/quillhr/approvalflow/internal/infrastructure/persistence/repository"
	"github.com/quillhr/approvalflow/internal/infrastructure/persistence/sqlite"
	httpserver "github.com/quillhr/approvalflow/internal/interfaces/http"
	"github.com/quillhr/approvalflow/internal/leave"
	"github.com/quillhr/approvalflow/internal/regularization"
	"github.com/quillhr/approvalflow/internal/reimbursement"
	"github.com/quillhr/approvalflow/pkg/database"
	"github.com/quillhr/approvalflow/pkg/utils"
)

func main() {
	// Local overrides; absence of a .env file is fine
	_ = gotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting approval workflow service",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Repositories and transaction manager
	requestRepo := repository.NewRequestRepository(db.DB, logger)
	orgRepo := repository.NewOrgRepository(db.DB, logger)
	historyRepo := repository.NewHistoryRepository(db.DB, logger)
	txManager := sqlite.NewDB(db.DB, logger)

	// Domain adapters
	leavePolicies := make([]leave.Policy, 0, len(cfg.Leave.Policies))
	for _, p := range cfg.Leave.Policies {
		leavePolicies = append(leavePolicies, leave.Policy{
			LeaveType:        p.LeaveType,
			RequiresApproval: p.RequiresApproval,
			MaxDays:          p.MaxDays,
		})
	}
	leaveAdapter := leave.NewAdapter(
		leave.NewStaticPolicySource(leavePolicies),
		cache.NewTTL[leave.Policy](cfg.Leave.PolicyCacheTTL),
	)
	reimbursementAdapter := reimbursement.NewAdapter(cfg.Workflow.ReimbursementAutoApproveLimit)
	regularizationAdapter := regularization.NewAdapter()

	registry := service.NewRegistry(leaveAdapter, reimbursementAdapter, regularizationAdapter)
	scope := service.NewScopeService(orgRepo)

	sugar := logger.Sugar()
	engine := service.NewWorkflowEngine(
		requestRepo, orgRepo, historyRepo, txManager,
		registry, scope,
		cfg.Workflow.ConflictRetries,
		engineLogger{sugar},
	)

	exporter := export.NewQueueExporter(registry, logger)

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, engine, exporter, engineLogger{sugar})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Server exited")
}

func configPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/config.yaml"
}

// engineLogger adapts the sugared zap logger to the keysAndValues interface
// the application and http layers expect
type engineLogger struct {
	sugar *zap.SugaredLogger
}

func (l engineLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l engineLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}
