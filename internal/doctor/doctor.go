// Package doctor runs preflight checks against a resolved configuration.
// Used by `pmf doctor` before starting the server.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dativo-io/pmframework/internal/config"
	"github.com/dativo-io/pmframework/internal/memory/redisstore"
	"github.com/dativo-io/pmframework/internal/memory/sqlitefts"
	"github.com/dativo-io/pmframework/internal/policy"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which checks run.
type Options struct {
	SkipNetwork bool // skip webhook reachability (for CI/offline)
}

// Run executes all checks against cfg and returns a report.
func Run(ctx context.Context, cfg *config.Config, opts Options) *Report {
	report := &Report{}

	report.Checks = append(report.Checks, checkDataDir(cfg))
	report.Checks = append(report.Checks, checkBackends(ctx, cfg)...)
	report.Checks = append(report.Checks, checkPolicy(ctx, cfg))
	report.Checks = append(report.Checks, checkSchedule(cfg))
	if !opts.SkipNetwork {
		report.Checks = append(report.Checks, checkWebhooks(ctx, cfg)...)
	}

	for _, c := range report.Checks {
		switch c.Status {
		case StatusPass:
			report.Summary.Pass++
		case StatusWarn:
			report.Summary.Warn++
		case StatusFail:
			report.Summary.Fail++
		}
	}

	report.Status = StatusPass
	if report.Summary.Warn > 0 {
		report.Status = StatusWarn
	}
	if report.Summary.Fail > 0 {
		report.Status = StatusFail
	}
	return report
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure the directory exists and is writable, or set PMF_DATA_DIR",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

// checkBackends probes every backend in the fallback chain. A failing
// backend only warns while a later one is healthy.
func checkBackends(ctx context.Context, cfg *config.Config) []CheckResult {
	results := make([]CheckResult, 0, len(cfg.FallbackChain)+1)
	healthy := 0
	for _, name := range cfg.FallbackChain {
		r := checkBackend(ctx, cfg, name)
		if r.Status != StatusFail {
			healthy++
		}
		results = append(results, r)
	}
	if healthy == 0 {
		return append(results, CheckResult{
			Name: "backend_chain", Category: "memory", Status: StatusFail,
			Message: "No backend in the fallback chain is usable",
			Fix:     "Add \"memory\" to fallback_chain as a last resort",
		})
	}
	for i := range results {
		if results[i].Status == StatusFail {
			results[i].Status = StatusWarn
		}
	}
	return results
}

func checkBackend(ctx context.Context, cfg *config.Config, name string) CheckResult {
	res := CheckResult{Name: "backend_" + name, Category: "memory"}
	hctx, cancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	defer cancel()

	switch name {
	case config.BackendSQLite:
		if err := cfg.EnsureDataDir(); err != nil {
			res.Status, res.Message = StatusFail, err.Error()
			return res
		}
		store, err := sqlitefts.Open(cfg.MemoryDBPath(), sqlitefts.WithDriver(cfg.SQLiteDriver))
		if err != nil {
			res.Status, res.Message = StatusFail, err.Error()
			res.Fix = "Check sqlite_driver and data_dir permissions"
			return res
		}
		defer store.Close()
		if err := store.HealthCheck(hctx); err != nil {
			res.Status, res.Message = StatusFail, err.Error()
			return res
		}
		if !store.HasFTS() {
			res.Status = StatusWarn
			res.Message = fmt.Sprintf("%s (FTS5 unavailable, using LIKE search)", cfg.MemoryDBPath())
			res.Fix = "Use a SQLite build with FTS5 for ranked search"
			return res
		}
		res.Status, res.Message = StatusPass, fmt.Sprintf("%s (FTS5)", cfg.MemoryDBPath())
	case config.BackendRedis:
		store := redisstore.New(cfg.RedisAddr)
		defer store.Close()
		start := time.Now()
		if err := store.HealthCheck(hctx); err != nil {
			res.Status, res.Message = StatusFail, fmt.Sprintf("%s: %v", cfg.RedisAddr, err)
			res.Fix = "Check redis_addr and that Redis is running"
			return res
		}
		res.Status, res.Message = StatusPass, fmt.Sprintf("%s (%dms)", cfg.RedisAddr, time.Since(start).Milliseconds())
	case config.BackendMemory:
		res.Status, res.Message = StatusPass, "in-process (not persisted across restarts)"
	default:
		res.Status, res.Message = StatusFail, "unknown backend"
	}
	return res
}

func checkPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg.PolicyFile == "" {
		return CheckResult{Name: "policy_valid", Category: "config", Status: StatusPass, Message: "built-in defaults"}
	}
	cfgs, _, err := policy.LoadFile(ctx, cfg.PolicyFile)
	if err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusFail,
			Message: err.Error(),
			Fix:     "Fix the policy YAML or unset policy_file",
		}
	}
	return CheckResult{
		Name: "policy_valid", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (%d trigger types)", cfg.PolicyFile, len(cfgs)),
	}
}

func checkSchedule(cfg *config.Config) CheckResult {
	if cfg.MaintenanceSchedule == "" {
		return CheckResult{
			Name: "maintenance_schedule", Category: "config", Status: StatusWarn,
			Message: "disabled", Fix: "Set maintenance_schedule to enable retention",
		}
	}
	sched, err := cron.ParseStandard(cfg.MaintenanceSchedule)
	if err != nil {
		return CheckResult{
			Name: "maintenance_schedule", Category: "config", Status: StatusFail,
			Message: err.Error(),
		}
	}
	next := sched.Next(time.Now())
	return CheckResult{
		Name: "maintenance_schedule", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%q, next run %s, retention %d days", cfg.MaintenanceSchedule, next.Format(time.RFC3339), cfg.RetentionDays),
	}
}

func checkWebhooks(ctx context.Context, cfg *config.Config) []CheckResult {
	results := make([]CheckResult, 0, len(cfg.Webhooks))
	client := &http.Client{Timeout: 5 * time.Second}
	for i, w := range cfg.Webhooks {
		name := fmt.Sprintf("webhook_%d", i+1)
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.URL, nil)
		if err != nil {
			results = append(results, CheckResult{
				Name: name, Category: "hooks", Status: StatusFail,
				Message: fmt.Sprintf("Invalid URL: %v", err),
			})
			continue
		}
		start := time.Now()
		resp, err := client.Do(req) //nolint:gosec // URL from operator config
		if err != nil {
			results = append(results, CheckResult{
				Name: name, Category: "hooks", Status: StatusWarn,
				Message: fmt.Sprintf("%s unreachable: %v", w.URL, err),
				Fix:     "Hook notifications to this URL will fail until it is reachable",
			})
			continue
		}
		resp.Body.Close()
		results = append(results, CheckResult{
			Name: name, Category: "hooks", Status: StatusPass,
			Message: fmt.Sprintf("%s (%d, %dms)", w.URL, resp.StatusCode, time.Since(start).Milliseconds()),
		})
	}
	return results
}
