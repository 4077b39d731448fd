package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/clock"
	"github.com/pavelanni/mocktest/internal/console"
	"github.com/pavelanni/mocktest/internal/feedback"
	"github.com/pavelanni/mocktest/internal/handler"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/llm"
	"github.com/pavelanni/mocktest/internal/llm/prompts"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/session"
	"github.com/pavelanni/mocktest/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: reading .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mocktest",
		Short: "Timed mock tests with LLM feedback on weak areas",
	}

	run := runCmd()
	root.AddCommand(run, serveCmd(), importCmd(), papersCmd(), exportCmd())

	// Make "run" the default when no subcommand is given.
	root.RunE = run.RunE

	// Register run flags on root so bare `mocktest --paper ...` still works.
	root.Flags().AddFlagSet(run.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "mocktest.db", "SQLite database path")
	f.StringSliceP("questions", "q", nil, "Questions JSON files to import before starting (repeatable)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addSessionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL (empty disables feedback)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for one analysis request")
	f.String("llm-prompt", string(prompts.PromptEncouraging), "Analysis prompt variant (encouraging, direct)")
	f.StringP("lang", "l", "en", "UI language (en, ru)")
	f.IntP("num-questions", "n", 10, "Number of questions in a random test")
	f.DurationP("duration", "d", 0, "Time limit (default: the paper's own duration, or 10m for a random test)")
}

const defaultRandomDuration = 10 * time.Minute

// durationSeconds resolves the duration key. Zero keeps a paper's own
// duration; random tests fall back to defaultRandomDuration.
func durationSeconds(v *viper.Viper, fixedPaper bool) int {
	d := v.GetDuration("duration")
	if d == 0 && !fixedPaper {
		d = defaultRandomDuration
	}
	return int(d / time.Second)
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Take a mock test in the terminal",
		RunE:  runRun,
	}
	addCommonFlags(cmd)
	addSessionFlags(cmd)
	f := cmd.Flags()
	f.StringP("paper", "p", "", "Paper ID for a fixed-paper test (default: random sample from the bank)")
	f.StringP("report", "r", "", "Write the session report as JSON to this file (- for stdout)")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP session server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addSessionFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.Duration("agent-ttl", 30*time.Minute, "Close sessions of agents idle for this long (0 keeps them)")
	f.Bool("secure-cookies", false, "Set Secure flag on agent cookies")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import questions and papers into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	return cmd
}

func papersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "papers",
		Short: "List the papers in the database",
		RunE:  runPapers,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("lang", "l", "en", "UI language (en, ru)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the question bank and papers as JSON",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MOCKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mocktest")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mocktest")
	v.AddConfigPath("/etc/mocktest")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// openStore opens the database and imports the configured questions files.
func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, path := range v.GetStringSlice("questions") {
		if _, err := db.ImportFile(ctx, path); err != nil {
			db.Close()
			return nil, fmt.Errorf("import %s: %w", path, err)
		}
	}
	return db, nil
}

// newAnalyzer creates the LLM client, or returns nil when no endpoint is set.
func newAnalyzer(ctx context.Context, v *viper.Viper) (feedback.Analyzer, error) {
	url := v.GetString("llm-url")
	if url == "" {
		slog.Warn("no LLM endpoint configured, feedback disabled")
		return nil, nil
	}
	variant := strings.ToLower(strings.TrimSpace(v.GetString("llm-prompt")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid llm-prompt, using encouraging", "variant", variant)
		variant = string(prompts.PromptEncouraging)
	}
	client, err := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), variant, v.GetDuration("llm-timeout"))
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	// An unreachable endpoint only fails feedback, never the session.
	if err := client.Ping(ctx); err != nil {
		slog.Warn("LLM health check failed", "url", url, "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", url, "model", v.GetString("llm-model"))
	}
	return client, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang))

	analyzer, err := newAnalyzer(ctx, v)
	if err != nil {
		return err
	}

	cfg := model.SessionConfig{
		QuestionCount: v.GetInt("num-questions"),
		PaperID:       v.GetString("paper"),
	}
	cfg.RandomSample = !cfg.FixedPaper()
	cfg.DurationSeconds = durationSeconds(v, cfg.FixedPaper())

	var opts []console.Option
	if cfg.FixedPaper() {
		p, err := db.Paper(ctx, cfg.PaperID)
		if err != nil {
			return fmt.Errorf("load paper: %w", err)
		}
		opts = append(opts, console.WithTitle(p.Title))
	} else {
		n, err := db.QuestionCount(ctx)
		if err != nil {
			return fmt.Errorf("count questions: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), appI18n.Tp(ctx, "QuestionsAvailable", n))
	}

	ctrl := session.New(db, analyzer)
	defer ctrl.Close()

	slog.Debug("starting session",
		"paper", cfg.PaperID,
		"num_questions", cfg.QuestionCount,
		"duration", cfg.DurationSeconds,
		"lang", lang,
	)
	report, err := console.New(ctrl, cmd.InOrStdin(), cmd.OutOrStdout(), opts...).Run(ctx, cfg)
	if errors.Is(err, console.ErrQuit) {
		return nil
	}
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), v.GetString("report"), report)
}

func writeReport(stdout io.Writer, path string, report model.SessionReport) error {
	if path == "" {
		return nil
	}
	return writeJSON(stdout, path, report)
}

func writeJSON(stdout io.Writer, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	w := stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	analyzer, err := newAnalyzer(ctx, v)
	if err != nil {
		return err
	}

	h := handler.New(db, analyzer, handler.Config{
		QuestionCount:   v.GetInt("num-questions"),
		DurationSeconds: durationSeconds(v, false),
		AgentTTL:        v.GetDuration("agent-ttl"),
		SecureCookies:   v.GetBool("secure-cookies"),
	})
	defer h.Close()
	go h.Agents().Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"num_questions", v.GetInt("num-questions"),
			"agent_ttl", v.GetDuration("agent-ttl"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, path := range args {
		res, err := db.ImportFile(ctx, path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d questions, %d papers)\n", res.Path, res.Status, res.Questions, res.Papers)
	}
	return nil
}

func runPapers(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang))

	papers, err := db.Papers(ctx)
	if err != nil {
		return fmt.Errorf("list papers: %w", err)
	}
	printPapers(ctx, cmd.OutOrStdout(), papers)
	return nil
}

func printPapers(ctx context.Context, w io.Writer, papers []model.Paper) {
	if len(papers) == 0 {
		fmt.Fprintln(w, appI18n.T(ctx, "NoPapers"))
		return
	}
	for _, p := range papers {
		p = bank.NormalizePaper(p)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.ID,
			appI18n.Td(ctx, "PaperHeader", map[string]any{"Title": p.Title, "Marks": p.TotalMarks()}),
			clock.Format(p.DurationSeconds),
			appI18n.Tp(ctx, "QuestionsAvailable", len(p.Questions())),
		)
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	data, err := db.Export(ctx)
	if err != nil {
		return fmt.Errorf("export bank: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), v.GetString("output"), data)
}
