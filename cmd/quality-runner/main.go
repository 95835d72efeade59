package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/quality/internal/config"
	"github.com/ehr/quality/internal/domain/quality"
	"github.com/ehr/quality/internal/platform/db"
	"github.com/ehr/quality/internal/platform/fhir"
	"github.com/ehr/quality/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "quality-runner",
		Short:        "Healthcare data quality runner for FHIR sources",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tableCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func clientConfig(cfg *config.Config) (fhir.ClientConfig, error) {
	authType, err := fhir.ParseAuthType(cfg.FHIRAuthType)
	if err != nil {
		return fhir.ClientConfig{}, err
	}
	return fhir.ClientConfig{
		BaseURL:      cfg.FHIRServerURL,
		AuthType:     authType,
		Username:     cfg.FHIRUsername,
		Password:     cfg.FHIRPassword,
		ClientID:     cfg.FHIRClientID,
		ClientSecret: cfg.FHIRClientSecret,
		TokenURL:     cfg.FHIRTokenURL,
		Scopes:       strings.Fields(cfg.FHIRScope),
		Timeout:      cfg.FHIRTimeout,
		MaxRetries:   uint64(cfg.FHIRMaxRetries),
	}, nil
}

func newFHIRClient(cfg *config.Config, logger zerolog.Logger) (*fhir.Client, error) {
	cc, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	return fhir.NewClient(cc, fhir.WithLogger(logger))
}

// app bundles what every catalog-backed command needs.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	runner *quality.Runner
}

func newApp(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to catalog database")

	client, err := newFHIRClient(cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	runner := quality.NewRunner(
		quality.NewCatalogPG(pool),
		client,
		logger,
		quality.NewMetrics(reg),
		quality.RunnerConfig{SampleSize: cfg.QualitySampleSize, EvalLimit: cfg.QualityEvalLimit},
	)
	return &app{cfg: cfg, logger: logger, pool: pool, runner: runner}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the quality API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(context.Background(), reg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.NewHTTPMetrics(reg).Middleware())
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	quality.NewHandler(a.runner).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("fhir_server", a.cfg.FHIRServerURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the quality rules against one or more catalogued tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, _ := cmd.Flags().GetString("table")
			resourceType, _ := cmd.Flags().GetString("resource-type")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			cfgTargets, err := a.cfg.Targets()
			if err != nil {
				return err
			}
			targets, err := selectTargets(table, resourceType, cfgTargets)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				if targets, err = a.runner.CatalogTargets(ctx); err != nil {
					return fmt.Errorf("list catalogued tables: %w", err)
				}
			}
			if len(targets) == 0 {
				return fmt.Errorf("no tables to run: pass --table/--resource-type, set QUALITY_TARGETS or add tables with a resource type")
			}

			outcomes := a.runner.RunAll(ctx, targets)
			return printOutcomes(cmd.OutOrStdout(), cmd.ErrOrStderr(), outcomes, len(targets))
		},
	}
	cmd.Flags().String("table", "", "Fully qualified name of the table to run")
	cmd.Flags().String("resource-type", "", "FHIR resource type held by --table")
	return cmd
}

// selectTargets resolves explicit flags first, then configured targets. An
// empty result means the catalog should be consulted.
func selectTargets(table, resourceType string, configured []config.Target) ([]quality.Target, error) {
	if table != "" || resourceType != "" {
		if table == "" || resourceType == "" {
			return nil, fmt.Errorf("--table and --resource-type must be given together")
		}
		if !fhir.ValidResourceType(resourceType) {
			return nil, fmt.Errorf("invalid resource type %q", resourceType)
		}
		return []quality.Target{{TableFQN: table, ResourceType: resourceType}}, nil
	}

	out := make([]quality.Target, 0, len(configured))
	for _, t := range configured {
		if !fhir.ValidResourceType(t.ResourceType) {
			return nil, fmt.Errorf("QUALITY_TARGETS: invalid resource type %q for %s", t.ResourceType, t.TableFQN)
		}
		out = append(out, quality.Target{TableFQN: t.TableFQN, ResourceType: t.ResourceType})
	}
	return out, nil
}

// printOutcomes writes each report and returns an error when any table run
// failed or was never started.
func printOutcomes(stdout, stderr io.Writer, outcomes []quality.RunOutcome, requested int) error {
	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
			fmt.Fprintf(stderr, "FAILED %s [%s]: %v\n", o.Err.Table, o.Err.Kind, o.Err.Err)
			continue
		}
		rep := o.Report
		fmt.Fprintf(stdout, "Table: %s (%s)\nSuite: %s\n", rep.TableFQN, rep.ResourceType, rep.TestSuite)
		if rep.Population != nil {
			fmt.Fprintf(stdout, "Population: %d\n", *rep.Population)
		}
		fmt.Fprintf(stdout, "%s\n\n", rep.Report)
	}

	skipped := requested - len(outcomes)
	if failed > 0 || skipped > 0 {
		return fmt.Errorf("%d of %d table runs failed, %d not started", failed, requested, skipped)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the quality catalog schema",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if schema == "" {
			schema = cfg.DBSchema
		}

		ctx := context.Background()
		// The pool keeps the default search_path; the migrator qualifies
		// everything with the target schema itself.
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		m, err := db.NewMigrator(pool, dir, schema)
		if err != nil {
			return err
		}
		return fn(ctx, m)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				fmt.Printf("Running migrations on schema: %s\n", m.Schema())
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", m.Schema())
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
		c.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func tableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Manage catalogued tables",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Catalog a table holding one FHIR resource type",
		RunE: func(cmd *cobra.Command, args []string) error {
			fqn, _ := cmd.Flags().GetString("fqn")
			name, _ := cmd.Flags().GetString("name")
			displayName, _ := cmd.Flags().GetString("display-name")
			resourceType, _ := cmd.Flags().GetString("resource-type")

			if fqn == "" || resourceType == "" {
				return fmt.Errorf("--fqn and --resource-type are required")
			}
			if !fhir.ValidResourceType(resourceType) {
				return fmt.Errorf("invalid resource type %q", resourceType)
			}
			if name == "" {
				name = fqn[strings.LastIndex(fqn, ".")+1:]
			}

			ctx := context.Background()
			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			t := &quality.Table{
				Name:               name,
				DisplayName:        displayName,
				FullyQualifiedName: fqn,
				ResourceType:       resourceType,
			}
			if err := a.runner.RegisterTable(ctx, t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Catalogued %s (%s) as %s\n", t.FullyQualifiedName, t.ResourceType, t.ID)
			return nil
		},
	}
	addCmd.Flags().String("fqn", "", "Fully qualified table name, e.g. epic.fhir.r4.patient")
	addCmd.Flags().String("name", "", "Table name (defaults to the last FQN segment)")
	addCmd.Flags().String("display-name", "", "Human readable table name")
	addCmd.Flags().String("resource-type", "", "FHIR resource type stored in the table")
	cmd.AddCommand(addCmd)
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify connectivity to the upstream FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newFHIRClient(cfg, newLogger(cfg))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.FHIRTimeout)
			defer cancel()

			cs, err := client.Capability(ctx)
			if err != nil {
				return fmt.Errorf("fetch capability statement: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeCapability(client.BaseURL(), cs))
			return nil
		},
	}
}

func describeCapability(baseURL string, cs *fhir.CapabilityStatement) string {
	version := cs.FHIRVersion
	if version == "" {
		version = "unknown"
	}
	line := fmt.Sprintf("Connected to %s: FHIR version %s", baseURL, version)
	if cs.Software != nil && cs.Software.Name != "" {
		software := strings.TrimSpace(cs.Software.Name + " " + cs.Software.Version)
		line += " (" + software + ")"
	}
	return line
}
