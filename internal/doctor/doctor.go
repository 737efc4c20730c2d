// Package doctor runs preflight checks over the supervisor configuration:
// everything a workflow run needs on disk and in config is verified before
// any subprocess is spawned.
package doctor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/orchestrator"
	"github.com/switchyard-ai/switchyard/internal/roster"
)

// Status classifies one preflight outcome.
type Status string

const (
	// StatusPass marks a check that found nothing wrong.
	StatusPass Status = "pass"
	// StatusWarn marks a degraded but runnable condition.
	StatusWarn Status = "warn"
	// StatusFail marks a condition that would break a workflow run.
	StatusFail Status = "fail"
)

// Result is one named preflight outcome.
type Result struct {
	Name   string
	Status Status
	Detail string
}

// Report aggregates the preflight results in execution order.
type Report struct {
	Results   []Result
	CheckedAt time.Time
}

// Failed reports whether any check found a breaking condition.
func (r Report) Failed() bool {
	for _, result := range r.Results {
		if result.Status == StatusFail {
			return true
		}
	}
	return false
}

// Doctor runs deterministic preflight checks against loaded configuration.
type Doctor struct {
	cfg    *config.Config
	logger *log.Logger
	now    func() time.Time
}

// Option customizes a Doctor.
type Option func(*Doctor)

// WithLogger sets the diagnostics logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Doctor) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Doctor) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Doctor for one loaded configuration.
func New(cfg *config.Config, options ...Option) (*Doctor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	d := &Doctor{
		cfg:    cfg,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, option := range options {
		option(d)
	}
	return d, nil
}

// Run executes every preflight check and returns the collected report.
// Problems are results, never errors; the caller decides severity.
func (d *Doctor) Run() Report {
	report := Report{CheckedAt: d.now().UTC()}

	ros, rosterResult := d.checkRoster()
	report.Results = append(report.Results,
		d.checkEntrypoint(),
		rosterResult,
		d.checkEntryAgent(ros),
		d.checkRoutingTables(ros),
		d.checkDAG(ros),
		d.checkGuidance(),
		d.checkEventStore(),
	)

	for _, result := range report.Results {
		switch result.Status {
		case StatusFail:
			d.logger.Error("preflight check failed", "check", result.Name, "detail", result.Detail)
		case StatusWarn:
			d.logger.Warn("preflight check degraded", "check", result.Name, "detail", result.Detail)
		default:
			d.logger.Debug("preflight check passed", "check", result.Name, "detail", result.Detail)
		}
	}
	return report
}

// checkEntrypoint verifies the orchestrator program exists and can run.
func (d *Doctor) checkEntrypoint() Result {
	result := Result{Name: "workflow.entrypoint"}
	entrypoint := strings.TrimSpace(d.cfg.Workflow.Entrypoint)
	if entrypoint == "" {
		result.Status = StatusPass
		result.Detail = "no entrypoint configured, supervisor re-executes its own binary"
		return result
	}
	info, err := os.Stat(entrypoint)
	if err != nil {
		result.Status = StatusFail
		result.Detail = fmt.Sprintf("entrypoint %s not readable: %v", entrypoint, err)
		return result
	}
	if info.IsDir() {
		result.Status = StatusFail
		result.Detail = fmt.Sprintf("entrypoint %s is a directory", entrypoint)
		return result
	}
	if d.cfg.Workflow.Interpreter == "" && info.Mode()&0o111 == 0 {
		result.Status = StatusFail
		result.Detail = fmt.Sprintf("entrypoint %s is not executable and no interpreter is configured", entrypoint)
		return result
	}
	result.Status = StatusPass
	result.Detail = entrypoint
	return result
}

// checkRoster loads the roster once; later checks validate membership
// against it.
func (d *Doctor) checkRoster() (*roster.Roster, Result) {
	result := Result{Name: "agents.roster"}
	ros, err := roster.Load(d.cfg.Agents.RosterPath)
	if err != nil {
		result.Status = StatusFail
		result.Detail = err.Error()
		return nil, result
	}
	if ros.Len() == 0 {
		result.Status = StatusFail
		result.Detail = fmt.Sprintf("roster %s has no agents with runtime ARNs", d.cfg.Agents.RosterPath)
		return ros, result
	}
	result.Status = StatusPass
	result.Detail = fmt.Sprintf("%d agents: %s", ros.Len(), strings.Join(ros.IDs(), ", "))
	return ros, result
}

func (d *Doctor) checkEntryAgent(ros *roster.Roster) Result {
	result := Result{Name: "workflow.entry_agent"}
	if d.cfg.Workflow.Pattern == config.PatternDAG {
		result.Status = StatusPass
		result.Detail = "dag pattern starts from its task table"
		return result
	}
	entry := strings.TrimSpace(d.cfg.Workflow.EntryAgent)
	if entry == "" {
		result.Status = StatusFail
		result.Detail = "entry agent is not set"
		return result
	}
	if ros == nil {
		result.Status = StatusWarn
		result.Detail = "roster unavailable, entry agent membership not checked"
		return result
	}
	if !ros.Contains(entry) {
		result.Status = StatusFail
		result.Detail = fmt.Sprintf("entry agent %q is not in the roster", entry)
		return result
	}
	result.Status = StatusPass
	result.Detail = entry
	return result
}

// checkRoutingTables verifies every configured route lands on a roster
// member. Empty static targets mark terminal agents and are fine.
func (d *Doctor) checkRoutingTables(ros *roster.Roster) Result {
	result := Result{Name: "routing.tables"}
	if ros == nil {
		result.Status = StatusWarn
		result.Detail = "roster unavailable, routing targets not checked"
		return result
	}
	unknown := make([]string, 0)
	for label, target := range d.cfg.Routing.Classification {
		if target != "" && !ros.Contains(target) {
			unknown = append(unknown, fmt.Sprintf("classification %s -> %s", label, target))
		}
	}
	for from, target := range d.cfg.Routing.Static {
		if target != "" && !ros.Contains(target) {
			unknown = append(unknown, fmt.Sprintf("static %s -> %s", from, target))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		result.Status = StatusFail
		result.Detail = "routes name agents outside the roster: " + strings.Join(unknown, "; ")
		return result
	}
	result.Status = StatusPass
	result.Detail = fmt.Sprintf("%d classification routes, %d static routes",
		len(d.cfg.Routing.Classification), len(d.cfg.Routing.Static))
	return result
}

func (d *Doctor) checkDAG(ros *roster.Roster) Result {
	result := Result{Name: "workflow.dag"}
	dag := d.cfg.Workflow.DAG
	if d.cfg.Workflow.Pattern != config.PatternDAG {
		if len(dag) > 0 {
			result.Status = StatusWarn
			result.Detail = fmt.Sprintf("dag table is ignored by the %s pattern", d.cfg.Workflow.Pattern)
			return result
		}
		result.Status = StatusPass
		result.Detail = "not using the dag pattern"
		return result
	}
	if len(dag) == 0 {
		result.Status = StatusFail
		result.Detail = "dag pattern selected but [workflow.dag] declares no tasks"
		return result
	}
	if err := orchestrator.ValidateDAG(dag); err != nil {
		result.Status = StatusFail
		result.Detail = err.Error()
		return result
	}
	if ros != nil {
		missing := make([]string, 0)
		for task := range dag {
			if !ros.Contains(task) {
				missing = append(missing, task)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			result.Status = StatusFail
			result.Detail = "tasks without roster agents: " + strings.Join(missing, ", ")
			return result
		}
	}
	result.Status = StatusPass
	result.Detail = fmt.Sprintf("%d tasks, dependencies acyclic", len(dag))
	return result
}

func (d *Doctor) checkGuidance() Result {
	result := Result{Name: "routing.guidance"}
	if !d.cfg.Routing.Enabled {
		result.Status = StatusPass
		result.Detail = "fast-model routing disabled"
		return result
	}
	path := strings.TrimSpace(d.cfg.Routing.GuidancePath)
	if path == "" {
		result.Status = StatusWarn
		result.Detail = "no guidance path configured, fast model routes without project guidance"
		return result
	}
	if _, err := os.Stat(path); err != nil {
		result.Status = StatusWarn
		result.Detail = fmt.Sprintf("guidance file %s not readable, fast model routes without project guidance", path)
		return result
	}
	result.Status = StatusPass
	result.Detail = path
	return result
}

func (d *Doctor) checkEventStore() Result {
	result := Result{Name: "events.store"}
	missing := make([]string, 0, 2)
	if strings.TrimSpace(d.cfg.Events.TableName) == "" {
		missing = append(missing, config.EnvTableName)
	}
	if strings.TrimSpace(d.cfg.Events.Region) == "" {
		missing = append(missing, config.EnvRegion)
	}
	if len(missing) > 0 {
		result.Status = StatusWarn
		result.Detail = "downstream persistence identifiers unset: " + strings.Join(missing, ", ")
		return result
	}
	result.Status = StatusPass
	result.Detail = fmt.Sprintf("table %s in %s", d.cfg.Events.TableName, d.cfg.Events.Region)
	return result
}
