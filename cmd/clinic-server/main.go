package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/clinicore/clinicore/internal/config"
	"github.com/clinicore/clinicore/internal/domain/approval"
	"github.com/clinicore/clinicore/internal/domain/automation"
	"github.com/clinicore/clinicore/internal/domain/billing"
	"github.com/clinicore/clinicore/internal/domain/claims"
	"github.com/clinicore/clinicore/internal/domain/reconciliation"
	"github.com/clinicore/clinicore/internal/domain/schedule"
	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/platform/middleware"
	"github.com/clinicore/clinicore/internal/platform/notification"
)

// ClaimApprovalAdapter bridges the approval engine and the claims service,
// avoiding circular imports between the two packages. Approval decisions land
// on the claim through the claims service's own validated transition path.
type ClaimApprovalAdapter struct {
	claims    *claims.Service
	approvals *approval.Service
}

func NewClaimApprovalAdapter(claimSvc *claims.Service, approvalSvc *approval.Service) *ClaimApprovalAdapter {
	return &ClaimApprovalAdapter{claims: claimSvc, approvals: approvalSvc}
}

// RequireClaimApproval implements claims.ApprovalGate.
func (a *ClaimApprovalAdapter) RequireClaimApproval(ctx context.Context, claimID, panelID uuid.UUID, amount decimal.Decimal) (bool, error) {
	req, err := a.approvals.RequireApproval(ctx, approval.SubjectClaim, claimID, &panelID, amount)
	if err != nil {
		if errors.Is(err, approval.ErrNoWorkflows) {
			return false, nil
		}
		return false, err
	}
	return req != nil, nil
}

// OnApproved implements approval.SubjectHandler.
func (a *ClaimApprovalAdapter) OnApproved(ctx context.Context, req *approval.Request, actor string) error {
	_, err := a.claims.Approve(ctx, req.SubjectID, actor)
	return err
}

// OnRejected implements approval.SubjectHandler.
func (a *ClaimApprovalAdapter) OnRejected(ctx context.Context, req *approval.Request, actor, reason string) error {
	_, err := a.claims.Reject(ctx, req.SubjectID, actor, reason)
	return err
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Panel claims lifecycle and reconciliation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(automationCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the claims API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// automationCmd runs one automation task from the command line, for cron and
// systemd timers that should not go through HTTP.
func automationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automation",
		Short: "Run background automation tasks",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one automation task",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType, _ := cmd.Flags().GetString("task")
			if taskType == "" {
				return fmt.Errorf("--task is required (status_progression, scheduled_generation, approval_timeout, notification)")
			}

			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			app := buildServices(pool, logger)
			result, err := app.dispatcher.Run(ctx, automation.Task{Type: automation.TaskType(taskType)})
			if err != nil {
				return err
			}
			out, _ := json.Marshal(result)
			fmt.Println(string(out))
			return nil
		},
	}
	runCmd.Flags().String("task", "", "Task type to run")
	cmd.AddCommand(runCmd)
	return cmd
}

// services bundles the wired domain layer so the HTTP server and the CLI
// automation runner share one construction path.
type services struct {
	claims        *claims.Service
	approvals     *approval.Service
	reconciler    *reconciliation.Service
	schedules     *schedule.Service
	notifications *notification.Manager
	dispatcher    *automation.Dispatcher
	claimAdapter  *ClaimApprovalAdapter
}

func buildServices(pool *pgxpool.Pool, logger zerolog.Logger) *services {
	notifyMgr := notification.NewManager(
		notification.NewStorePG(pool),
		notification.NewTemplateEngine(),
		&notification.LogSender{Logger: logger},
		&notification.LogSender{Logger: logger},
		logger,
	)

	claimSvc := claims.NewService(claims.NewRepoPG(pool), claims.NewStatusRuleRepoPG(pool), logger)
	approvalSvc := approval.NewService(approval.NewWorkflowRepoPG(pool), approval.NewRequestRepoPG(pool), notifyMgr, logger)

	reconSvc := reconciliation.NewService(
		reconciliation.NewRepoPG(pool),
		reconciliation.NewCategoryRepoPG(pool),
		claimSvc,
		approvalSvc,
		notifyMgr,
		logger,
	)

	billingRepo := billing.NewRepoPG(pool)
	txRunner := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
	scheduleSvc := schedule.NewService(schedule.NewRepoPG(pool), billingRepo, claimSvc, txRunner, logger)

	claimAdapter := NewClaimApprovalAdapter(claimSvc, approvalSvc)
	approvalSvc.RegisterSubjectHandler(approval.SubjectClaim, claimAdapter)
	approvalSvc.RegisterSubjectHandler(approval.SubjectReconciliation, reconSvc)

	dispatcher := automation.NewDispatcher(claimSvc, scheduleSvc, approvalSvc, notifyMgr, logger)

	return &services{
		claims:        claimSvc,
		approvals:     approvalSvc,
		reconciler:    reconSvc,
		schedules:     scheduleSvc,
		notifications: notifyMgr,
		dispatcher:    dispatcher,
		claimAdapter:  claimAdapter,
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Tenant middleware
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// Health check
	e.GET("/health", db.HealthHandler(pool))

	// Domain wiring
	app := buildServices(pool, logger)

	apiV1 := e.Group("/api/v1")

	claimsHandler := claims.NewHandler(app.claims)
	claimsHandler.SetApprovalGate(app.claimAdapter)
	claimsHandler.RegisterRoutes(apiV1)

	approval.NewHandler(app.approvals).RegisterRoutes(apiV1)
	reconciliation.NewHandler(app.reconciler).RegisterRoutes(apiV1)
	schedule.NewHandler(app.schedules).RegisterRoutes(apiV1)
	automation.NewHandler(app.dispatcher).RegisterRoutes(apiV1)
	notification.NewHandler(app.notifications).RegisterRoutes(apiV1)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server starting")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
