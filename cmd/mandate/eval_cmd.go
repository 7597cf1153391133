package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/munigrid/mandate/pkg/archive"
	"github.com/munigrid/mandate/pkg/boundary"
	"github.com/munigrid/mandate/pkg/config"
	"github.com/munigrid/mandate/pkg/decision"
	"github.com/munigrid/mandate/pkg/engine"
	"github.com/munigrid/mandate/pkg/idempotency"
	"github.com/munigrid/mandate/pkg/limiter"
	"github.com/munigrid/mandate/pkg/observability"
	"github.com/munigrid/mandate/pkg/ruleset"
	"github.com/munigrid/mandate/pkg/store"
	"github.com/munigrid/mandate/pkg/warrant"
)

// runEvalCmd implements `mandate eval`.
//
// Reads a DecisionRequest document, runs it through a locally wired engine,
// and prints the DecisionResult. Rejections are decisions, not failures; the
// exit code separates them from runtime errors so scripts can branch.
//
// Exit codes:
//
//	0 = request approved
//	1 = request rejected
//	2 = runtime error
func runEvalCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("eval", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		requestPath string
		jsonOutput  bool
	)

	cmd.StringVar(&requestPath, "request", "", "Path to a DecisionRequest JSON file, or - for stdin (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the full DecisionResult as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if requestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request is required")
		return 2
	}

	raw, err := readRequest(requestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg := config.Load()
	applyProfile(cfg, stderr)
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx := context.Background()
	eng, cleanup, err := buildEngine(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer cleanup()

	res, err := eng.EvaluateJSON(ctx, raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: evaluation failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printResult(stdout, res)
	}

	if !res.Approved {
		return 1
	}
	return 0
}

func printResult(w io.Writer, res *decision.Result) {
	if res.Approved {
		_, _ = fmt.Fprintf(w, "✅ %s\n", res.UIFeedback.Toast)
	} else {
		_, _ = fmt.Fprintf(w, "❌ [%s] %s\n", res.Reason, res.UIFeedback.Toast)
	}
	_, _ = fmt.Fprintf(w, "Status:   %s (%s)\n", res.Status, res.UIFeedback.LCDStatus)
	_, _ = fmt.Fprintf(w, "Event:    %s\n", res.AuditRecord.EventID)
	if res.AuditRecord.PlanHash != "" {
		_, _ = fmt.Fprintf(w, "PlanHash: %s\n", res.AuditRecord.PlanHash)
	}
	for _, step := range res.ActionPlan {
		_, _ = fmt.Fprintf(w, "  - %s [%s] %s\n", step.StepID, step.Connector, step.Description)
	}
	for _, n := range res.Notices {
		_, _ = fmt.Fprintf(w, "  note: %s\n", n)
	}
	for _, warn := range res.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, next := range res.NextSteps {
		_, _ = fmt.Fprintf(w, "  next: %s\n", next)
	}
}

func readRequest(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func applyProfile(cfg *config.Config, stderr io.Writer) {
	if cfg.ProfileCode == "" {
		return
	}
	profile, err := config.LoadProfile(cfg.ProfileDir, cfg.ProfileCode)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: %v\n", err)
		return
	}
	cfg.Apply(profile)
}

// buildEngine wires an engine from process configuration. The returned
// cleanup closes the decision ledger and flushes telemetry.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, func(), error) {
	rules, err := loadRules(cfg)
	if err != nil {
		return nil, nil, err
	}

	ledger, closeLedger, err := openLedger(cfg)
	if err != nil {
		return nil, nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = strings.TrimPrefix(version, "v")
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = cfg.OTLPInsecure
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if cfg.Environment != "" {
		obsCfg.Environment = cfg.Environment
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		closeLedger()
		return nil, nil, err
	}

	perimeter, err := boundary.NewPerimeter(rules.CanonicalHosts())
	if err != nil {
		closeLedger()
		return nil, nil, err
	}
	if err := perimeter.Extend(cfg.CanonicalHosts...); err != nil {
		closeLedger()
		return nil, nil, err
	}

	keys, err := openKeyring(cfg)
	if err != nil {
		closeLedger()
		return nil, nil, err
	}

	exporter, err := archive.New(ctx, archive.Config{
		Backend:  cfg.ArchiveBackend,
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   cfg.ArchivePrefix,
		Dir:      cfg.ArchiveDir,
	})
	if err != nil {
		closeLedger()
		return nil, nil, err
	}

	opts := []engine.Option{
		engine.WithVerifier(boundary.NewVerifier(perimeter)),
		engine.WithWarrantIssuer(warrant.NewIssuer(keys)),
		engine.WithLimiter(limiter.New(limiterStore(cfg), limiterPolicy(cfg))),
		engine.WithObservability(obs),
	}
	if exporter != nil {
		opts = append(opts, engine.WithArchiveExporter(exporter))
	}

	eng, err := engine.New(rules, ledger, opts...)
	if err != nil {
		closeLedger()
		return nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
		closeLedger()
	}
	return eng, cleanup, nil
}

func loadRules(cfg *config.Config) (*ruleset.Ruleset, error) {
	if cfg.RulesetFile == "" {
		return ruleset.Default(), nil
	}
	return ruleset.LoadFile(cfg.RulesetFile)
}

func openLedger(cfg *config.Config) (idempotency.Ledger, func(), error) {
	switch cfg.DBDriver {
	case "memory":
		return idempotency.NewMemoryLedger(), func() {}, nil
	case "sqlite", "":
		l, err := store.OpenSQLite(cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "postgres":
		l, err := store.OpenPostgres(cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := l.Migrate(context.Background()); err != nil {
			_ = l.Close()
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown MANDATE_DB_DRIVER %q", cfg.DBDriver)
	}
}

func openKeyring(cfg *config.Config) (*warrant.Keyring, error) {
	seed, err := cfg.WarrantSeed()
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return warrant.NewKeyring()
	}
	return warrant.NewKeyringFromSeed(seed)
}

func limiterStore(cfg *config.Config) limiter.Store {
	if cfg.RedisAddr != "" {
		return limiter.NewRedisStore(cfg.RedisAddr, "", 0)
	}
	return limiter.NewLocalStore()
}

func limiterPolicy(cfg *config.Config) limiter.Policy {
	if cfg.LimiterPerMinute <= 0 {
		return limiter.DefaultPolicy()
	}
	burst := cfg.LimiterBurst
	if burst <= 0 {
		burst = cfg.LimiterPerMinute
	}
	return limiter.Policy{PerMinute: cfg.LimiterPerMinute, Burst: burst}
}
