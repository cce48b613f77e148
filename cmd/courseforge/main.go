package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/CourseForge/internal/automation"
	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/generate"
	"github.com/TobiSchelling/CourseForge/internal/ingest"
	"github.com/TobiSchelling/CourseForge/internal/lifecycle"
	"github.com/TobiSchelling/CourseForge/internal/llm"
	"github.com/TobiSchelling/CourseForge/internal/lock"
	"github.com/TobiSchelling/CourseForge/internal/logger"
	"github.com/TobiSchelling/CourseForge/internal/pipeline"
	"github.com/TobiSchelling/CourseForge/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logr       = logger.Nop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "courseforge",
	Short:   "Turn trending topics into generated courses",
	Long:    "CourseForge ingests trend proposals, and for approved ones generates a curriculum, section content and quizzes through an LLM.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logr, err = logger.New(cfg.Logging.Mode, level)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logr.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(coursesCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("courseforge", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/courseforge/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the generation backend, feeds and budget.")
		fmt.Println("API keys and webhook secrets are read from the environment (or a .env file).")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proposal and course counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Proposals:")
		printCounts(stats.Proposals)
		fmt.Println("\nCourses:")
		printCounts(stats.Courses)
		fmt.Println("\nGeneration:")
		fmt.Printf("  Total cost: $%.4f\n", stats.TotalCostUSD)
		fmt.Printf("  Total tokens: %d\n", stats.TotalTokens)
		return nil
	},
}

func printCounts[K ~string](counts map[K]int) {
	if len(counts) == 0 {
		fmt.Println("  none")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-11s %d\n", k, counts[K(k)])
	}
}

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Discover trends from configured feeds and store relevant ones as proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		res, err := a.ingester.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Println("\nIngestion complete:")
		fmt.Printf("  Entries found: %d\n", res.Found)
		fmt.Printf("  Proposals created: %d\n", res.Created)
		fmt.Printf("  Duplicates skipped: %d\n", res.Duplicates)
		fmt.Printf("  Below relevance threshold: %d\n", res.BelowThreshold)
		fmt.Printf("  Errors: %d\n", res.Errors)
		fmt.Printf("  Analysis cost: $%.4f\n", res.CostUSD)
		return nil
	},
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the batch pipeline: reap stale -> ingest -> generate approved",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(!dryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		pipe := pipeline.New(a.db, a.ctrl, a.ingester, cfg.Pipeline.Concurrency, cfg.Pipeline.StaleAfter(), logr)

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun(ctx)
		} else {
			result = pipe.Run(ctx)
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}
		for _, out := range result.Outcomes {
			printOutcome(out)
		}

		if !dryRun {
			fmt.Println("\nPipeline complete! Run 'courseforge serve' to review the courses.")
		}
		if result.Failed() {
			return errors.New("pipeline finished with errors")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API, trend webhook and course preview server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(a.db, a.ctrl, a.ingester, os.Getenv(cfg.Ingest.WebhookSecretEnv), logr)
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// app is the wired dependency graph shared by the commands.
type app struct {
	db       *database.DB
	locker   lock.Locker
	ctrl     *lifecycle.Controller
	ingester *ingest.Ingester
}

// newApp opens the database and wires the controller. Without a generation
// backend the controller can still approve, reject, publish and report.
func newApp(withGeneration bool) (*app, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	locker, err := lock.New(cfg.Lock, logr)
	if err != nil {
		db.Close()
		return nil, err
	}

	var (
		gen llm.Generator
		cg  lifecycle.CurriculumGenerator
		sf  lifecycle.SectionFiller
	)
	if withGeneration {
		client, err := llm.New(cfg.Generation, logr)
		if err != nil {
			locker.Close()
			db.Close()
			return nil, err
		}
		logr.Debug("Generation backend ready", "backend", cfg.Generation.Backend, "model", client.Model())

		settings := generate.SettingsFromConfig(cfg)
		gen = client
		cg = generate.NewCurriculumGenerator(client, db, settings, logr)
		sf = generate.NewSectionFiller(client, db, settings, logr)
	}

	notifier := automation.New(cfg.Automation, logr)
	ctrl := lifecycle.New(db, cg, sf, locker, notifier, cfg.Pipeline.StaleAfter(), logr)

	return &app{
		db:       db,
		locker:   locker,
		ctrl:     ctrl,
		ingester: ingest.New(cfg, db, gen, logr),
	}, nil
}

func (a *app) Close() {
	if err := a.locker.Close(); err != nil {
		logr.Warn("Closing lock backend failed", "error", err.Error())
	}
	a.db.Close()
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "courseforge.db")
	return database.Open(dbPath)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
