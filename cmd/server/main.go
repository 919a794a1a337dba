package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"statement-reconciliation/internal/config"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/handlers"
	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/services"
	"statement-reconciliation/internal/statement"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	envFile string
	cfg     *config.Config
	log     = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "reconciliation",
	Short:         "Bank statement reconciliation service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfigFrom(envFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		log = logging.New(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down|version",
	Short:     "Apply or inspect schema migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		// NewConnection creates the database when it does not exist yet.
		db, err := database.NewConnection(cmd.Context(), cfg, log)
		if err != nil {
			return fmt.Errorf("failed to ensure database exists: %w", err)
		}
		db.Close()

		return database.RunMigration(cfg, args[0], migrateSteps, log)
	},
}

var importFlags struct {
	file      string
	from      string
	to        string
	resume    string
	delimiter string
	operator  string
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a CSV bank statement into a new or interrupted batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := time.Parse("2006-01-02", importFlags.from)
		if err != nil {
			return fmt.Errorf("invalid --from date, use YYYY-MM-DD: %w", err)
		}
		end, err := time.Parse("2006-01-02", importFlags.to)
		if err != nil {
			return fmt.Errorf("invalid --to date, use YYYY-MM-DD: %w", err)
		}
		delim := []rune(importFlags.delimiter)
		if len(delim) != 1 {
			return errors.New("--delimiter must be a single character")
		}

		lines, err := statement.ParseFile(importFlags.file, delim[0])
		if err != nil {
			return err
		}

		return withServices(cmd.Context(), func(ctx context.Context, app *application) error {
			batch, err := app.imports.ImportStatement(ctx, services.ImportRequest{
				PeriodStart:   start,
				PeriodEnd:     end,
				Lines:         lines,
				ResumeBatchID: importFlags.resume,
				Operator:      importFlags.operator,
			})
			if batch != nil {
				batch.Transactions = nil
				printJSON(batch)
			}
			if err != nil && batch != nil {
				log.WithField(logging.FieldBatchID, batch.ID).Warn("Import incomplete, re-run with --resume to continue")
			}
			return err
		})
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage matching rules",
}

var rulesFile string

var rulesLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Create every rule of a YAML rules file, or none on error",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(ctx context.Context, app *application) error {
			rules, err := app.rules.LoadFile(ctx, rulesFile)
			if err != nil {
				return err
			}
			log.WithField(logging.FieldCount, len(rules)).Info("Matching rules loaded")
			return nil
		})
	},
}

var autoMatchOperator string

var autoMatchCmd = &cobra.Command{
	Use:   "auto-match BATCH_ID",
	Short: "Run the matching rules over a batch's pending lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(ctx context.Context, app *application) error {
			summary, err := app.recon.AutoMatchBatch(ctx, args[0], autoMatchOperator)
			if err != nil {
				return err
			}
			printJSON(summary)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to read before the environment")

	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 0, "Number of migration steps (0 means all)")

	importCmd.Flags().StringVarP(&importFlags.file, "file", "f", "", "CSV statement file")
	importCmd.Flags().StringVar(&importFlags.from, "from", "", "Period start, YYYY-MM-DD")
	importCmd.Flags().StringVar(&importFlags.to, "to", "", "Period end, YYYY-MM-DD")
	importCmd.Flags().StringVar(&importFlags.resume, "resume", "", "Batch id of an interrupted import to continue")
	importCmd.Flags().StringVar(&importFlags.delimiter, "delimiter", ",", "CSV field delimiter")
	importCmd.Flags().StringVar(&importFlags.operator, "operator", "", "Operator recorded in the audit trail")
	for _, name := range []string{"file", "from", "to"} {
		_ = importCmd.MarkFlagRequired(name)
	}

	autoMatchCmd.Flags().StringVar(&autoMatchOperator, "operator", "", "Operator recorded in the audit trail")

	rulesLoadCmd.Flags().StringVarP(&rulesFile, "file", "f", "rules.yaml", "YAML rules file")
	rulesCmd.AddCommand(rulesLoadCmd)

	rootCmd.AddCommand(serveCmd, migrateCmd, importCmd, rulesCmd, autoMatchCmd)
}

type application struct {
	db      *sql.DB
	recon   *services.ReconciliationService
	imports *services.ImportService
	rules   *services.RuleService
	reports *services.ReportService
}

func newApplication(ctx context.Context) (*application, error) {
	db, err := database.NewConnection(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	tx := database.NewTransactor(db)
	repos := services.NewRepositories(db)
	return &application{
		db:      db,
		recon:   services.NewReconciliationService(tx, repos, cfg.Reconciliation, log),
		imports: services.NewImportService(tx, repos, cfg.Reconciliation, log),
		rules:   services.NewRuleService(tx, repos, log),
		reports: services.NewReportService(repos),
	}, nil
}

func withServices(ctx context.Context, fn func(context.Context, *application) error) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.db.Close()
	return fn(ctx, app)
}

func serve(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.db.Close()

	router := handlers.SetupRouter(handlers.Services{
		Reconciliation: app.recon,
		Imports:        app.imports,
		Rules:          app.rules,
		Reports:        app.reports,
	}, log)

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Server is running on %s", cfg.ServerAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-quit:
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("Server exited gracefully")
	return nil
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.WithError(err).Error("Failed to encode result")
		return
	}
	fmt.Println(string(out))
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
