package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/modules/payment"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run deployment smoke checks against the API, Postgres and Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := smokeConfig{
			BaseURL:        baseURL(),
			DSN:            viper.GetString("dsn"),
			RedisAddr:      viper.GetString("redis"),
			MigrationPath:  viper.GetString("migration"),
			ApplyMigration: viper.GetBool("apply-migration"),
			OrderID:        viper.GetString("order"),
			DriverTokens:   viper.GetStringSlice("driver-tokens"),
			Concurrency:    viper.GetInt("concurrency"),
			Duration:       viper.GetDuration("duration"),
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
		defer cancel()

		results := newSmokeRunner(cfg, cmd.OutOrStdout()).RunAll(ctx)

		pass, fail, skipped := 0, 0, 0
		for _, r := range results {
			switch r.Status {
			case statusPass:
				pass++
			case statusFail:
				fail++
			case statusSkip:
				skipped++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n== Summary ==\nPASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)
		if fail > 0 {
			return fmt.Errorf("%d smoke checks failed", fail)
		}
		return nil
	},
}

func init() {
	f := smokeCmd.Flags()
	f.String("dsn", "", "Postgres DSN; database checks are skipped when empty")
	f.String("redis", "", "Redis address; cache checks are skipped when empty")
	f.String("migration", "migrations/0001_init.sql", "Migration SQL path")
	f.Bool("apply-migration", false, "Apply the migration before checking tables")
	f.String("order", "", "An order in placed status to race driver accepts on")
	f.StringSlice("driver-tokens", nil, "Driver tokens for the concurrent accept check")
	f.Int("concurrency", 20, "Concurrent clients for the throughput check")
	f.Duration("duration", 5*time.Second, "Duration of the throughput check")
	f.Duration("timeout", 60*time.Second, "Total timeout")
	_ = viper.BindPFlags(f)
}

type smokeConfig struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	OrderID        string
	DriverTokens   []string
	Concurrency    int
	Duration       time.Duration
}

type smokeRunner struct {
	cfg   smokeConfig
	out   io.Writer
	api   *apiClient
	db    *pgxpool.Pool
	redis *redis.Client
}

type smokeResult struct {
	Status  string
	Latency time.Duration
	Note    string
}

type smokeCase struct {
	Name string
	Run  func(ctx context.Context, r *smokeRunner) smokeResult
}

func newSmokeRunner(cfg smokeConfig, out io.Writer) *smokeRunner {
	return &smokeRunner{cfg: cfg, out: out, api: newAPIClient(cfg.BaseURL, "")}
}

func (r *smokeRunner) RunAll(ctx context.Context) []smokeResult {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			defer db.Close()
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		defer r.redis.Close()
	}

	cases := smokeCases()
	results := make([]smokeResult, 0, len(cases))
	for _, tc := range cases {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Fprintf(r.out, "%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Fprintf(r.out, " (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Fprintf(r.out, " - %s", res.Note)
		}
		fmt.Fprintln(r.out)
	}
	return results
}

func smokeCases() []smokeCase {
	return []smokeCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *smokeRunner) smokeResult {
			if r.db == nil {
				return smokeResult{Status: statusSkip, Note: "no --dsn"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return smokeResult{Status: statusFail, Note: err.Error()}
			}
			return smokeResult{Status: statusPass}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *smokeRunner) smokeResult {
			if r.redis == nil {
				return smokeResult{Status: statusSkip, Note: "no --redis"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return smokeResult{Status: statusFail, Note: err.Error()}
			}
			return smokeResult{Status: statusPass}
		}},
		{Name: "Migration: apply", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *smokeRunner) smokeResult {
			return expectStatus(ctx, r.api, http.MethodGet, "/health", nil, nil, http.StatusOK)
		}},
		{Name: "API: metrics exposed", Run: func(ctx context.Context, r *smokeRunner) smokeResult {
			start := time.Now()
			rep, err := r.api.do(ctx, http.MethodGet, "/metrics", nil, nil)
			if err != nil {
				return smokeResult{Status: statusFail, Note: err.Error()}
			}
			if rep.Status != http.StatusOK || !strings.Contains(string(rep.Raw), "trackline_") {
				return smokeResult{Status: statusFail, Note: fmt.Sprintf("status=%d", rep.Status)}
			}
			return smokeResult{Status: statusPass, Latency: time.Since(start)}
		}},
		{Name: "Auth: missing token -> 401", Run: func(ctx context.Context, r *smokeRunner) smokeResult {
			return expectStatus(ctx, r.api, http.MethodGet, "/api/orders/ord_smoke", nil, nil, http.StatusUnauthorized)
		}},
		{Name: "Webhook: bad signature -> 401", Run: func(ctx context.Context, r *smokeRunner) smokeResult {
			body := []byte(`{"id":"evt_smoke","type":"payment.captured","order_id":"ord_smoke"}`)
			return expectStatus(ctx, r.api, http.MethodPost, "/webhooks/payments", body,
				http.Header{payment.SignatureHeader: []string{"sha256=00"}}, http.StatusUnauthorized)
		}},
		{Name: "Concurrency: one driver wins accept", Run: concurrentAccept},
		{Name: "Perf: health throughput", Run: func(ctx context.Context, r *smokeRunner) smokeResult {
			return perfLoad(ctx, r, "/health")
		}},
	}
}

func expectStatus(ctx context.Context, api *apiClient, method, path string, body any, header http.Header, want int) smokeResult {
	start := time.Now()
	rep, err := api.do(ctx, method, path, body, header)
	if err != nil {
		return smokeResult{Status: statusFail, Note: err.Error()}
	}
	latency := time.Since(start)
	if rep.Status != want {
		return smokeResult{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", rep.Status, want)}
	}
	return smokeResult{Status: statusPass, Latency: latency}
}

func applyMigration(ctx context.Context, r *smokeRunner) smokeResult {
	if !r.cfg.ApplyMigration {
		return smokeResult{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return smokeResult{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return smokeResult{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return smokeResult{Status: statusFail, Note: err.Error()}
		}
	}
	return smokeResult{Status: statusPass}
}

func tablesExist(ctx context.Context, r *smokeRunner) smokeResult {
	if r.db == nil {
		return smokeResult{Status: statusSkip, Note: "no --dsn"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return smokeResult{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists)
		if err != nil {
			return smokeResult{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return smokeResult{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return smokeResult{Status: statusPass, Note: fmt.Sprintf("%d tables", len(tables))}
}

// concurrentAccept races every driver token on one order; at most one may
// win and the rest must see 409.
func concurrentAccept(ctx context.Context, r *smokeRunner) smokeResult {
	if r.cfg.OrderID == "" || len(r.cfg.DriverTokens) < 2 {
		return smokeResult{Status: statusSkip, Note: "needs --order and two or more --driver-tokens"}
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	won, conflicts, other := 0, 0, 0
	for _, tok := range r.cfg.DriverTokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			rep, err := newAPIClient(r.cfg.BaseURL, tok).do(ctx, http.MethodPost, "/api/drivers/orders/"+r.cfg.OrderID+"/accept", nil, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other++
			case rep.Status == http.StatusOK:
				won++
			case rep.Status == http.StatusConflict:
				conflicts++
			default:
				other++
			}
		}(tok)
	}
	wg.Wait()

	note := fmt.Sprintf("won=%d conflict=%d other=%d", won, conflicts, other)
	if won <= 1 && other == 0 {
		return smokeResult{Status: statusPass, Note: note}
	}
	return smokeResult{Status: statusFail, Note: note}
}

func perfLoad(ctx context.Context, r *smokeRunner, path string) smokeResult {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				rep, err := r.api.do(ctx, http.MethodGet, path, nil, nil)
				mu.Lock()
				if err != nil || rep.Status != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return smokeResult{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return smokeResult{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

var createTableRe = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	matches := createTableRe.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

// splitSQL drops comment lines and splits on ';'. The migrations have no
// function bodies, so this is enough.
func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		kept = append(kept, line)
	}
	parts := strings.Split(strings.Join(kept, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
