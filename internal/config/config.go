package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Config is the decoded and validated configuration.
type Config struct {
	Scheduler Scheduler
	Features  []SeedFeature
}

// Scheduler holds every tunable of the scheduling core.
type Scheduler struct {
	TickInterval  time.Duration
	QueuePath     string
	PoolPath      string
	StuckReadyAge time.Duration
	StaleAllocAge time.Duration

	Pool     PoolSettings
	Executor ExecutorSettings
	Tickets  TicketSettings
}

// PoolSettings size the port-pair resource pool. Zero values fall back to
// the pool's own defaults.
type PoolSettings struct {
	Capacity int
	BasePort int
	Stride   int
}

// ExecutorSettings configure the subprocess executor. Command is the binary
// plus fixed arguments; per-phase data travels through the environment.
type ExecutorSettings struct {
	Command []string
	WorkDir string
	LogDir  string
	Timeout time.Duration
}

// TicketSettings configure the tracking-ticket REST client.
type TicketSettings struct {
	BaseURL    string
	Timeout    time.Duration
	RetryLimit int
}

// SeedFeature is a feature declared in configuration, enqueued on startup
// if the store does not know it yet.
type SeedFeature struct {
	ID       string
	Title    string
	Priority int
	Phases   []SeedPhase
}

// SeedPhase is one phase of a seed feature. The payload is carried as raw
// JSON; the core never interprets it.
type SeedPhase struct {
	Number    int
	DependsOn []int
	Priority  int
	Payload   json.RawMessage
}

// --- HCL schema ---

type fileRoot struct {
	Scheduler *schedulerBlock `hcl:"scheduler,block"`
	Features  []*featureBlock `hcl:"feature,block"`
	Remain    hcl.Body        `hcl:",remain"`
}

type schedulerBlock struct {
	TickInterval  string `hcl:"tick_interval,optional"`
	QueuePath     string `hcl:"queue_path,optional"`
	PoolPath      string `hcl:"pool_path,optional"`
	StuckReadyAge string `hcl:"stuck_ready_age,optional"`
	StaleAllocAge string `hcl:"stale_alloc_age,optional"`

	Pool     *poolBlock     `hcl:"pool,block"`
	Executor *executorBlock `hcl:"executor,block"`
	Tickets  *ticketsBlock  `hcl:"tickets,block"`
}

type poolBlock struct {
	Capacity int `hcl:"capacity,optional"`
	BasePort int `hcl:"base_port,optional"`
	Stride   int `hcl:"stride,optional"`
}

type executorBlock struct {
	Command []string `hcl:"command"`
	WorkDir string   `hcl:"workdir,optional"`
	LogDir  string   `hcl:"log_dir,optional"`
	Timeout string   `hcl:"timeout,optional"`
}

type ticketsBlock struct {
	BaseURL    string `hcl:"base_url"`
	Timeout    string `hcl:"timeout,optional"`
	RetryLimit int    `hcl:"retry_limit,optional"`
}

type featureBlock struct {
	ID       string        `hcl:"id,label"`
	Title    string        `hcl:"title,optional"`
	Priority int           `hcl:"priority,optional"`
	Phases   []*phaseBlock `hcl:"phase,block"`
}

type phaseBlock struct {
	Number    int            `hcl:"number"`
	DependsOn []int          `hcl:"depends_on,optional"`
	Priority  int            `hcl:"priority,optional"`
	Payload   hcl.Expression `hcl:"payload,optional"`
}

const (
	defaultQueuePath       = "phaseline.db"
	defaultPoolPath        = "phaseline-pool.json"
	defaultExecutorTimeout = 30 * time.Minute
	defaultTicketTimeout   = 10 * time.Second
)

// Load parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	cfg := &Config{}
	if err := translateScheduler(root.Scheduler, &cfg.Scheduler); err != nil {
		return nil, err
	}
	for _, fb := range root.Features {
		feature, err := translateFeature(fb)
		if err != nil {
			return nil, err
		}
		cfg.Features = append(cfg.Features, feature)
	}
	return cfg, nil
}

func translateScheduler(block *schedulerBlock, out *Scheduler) error {
	out.QueuePath = defaultQueuePath
	out.PoolPath = defaultPoolPath
	if block == nil {
		return fmt.Errorf("config: a scheduler block is required")
	}

	var err error
	if out.TickInterval, err = parseDuration("tick_interval", block.TickInterval); err != nil {
		return err
	}
	if out.StuckReadyAge, err = parseDuration("stuck_ready_age", block.StuckReadyAge); err != nil {
		return err
	}
	if out.StaleAllocAge, err = parseDuration("stale_alloc_age", block.StaleAllocAge); err != nil {
		return err
	}
	if block.QueuePath != "" {
		out.QueuePath = block.QueuePath
	}
	if block.PoolPath != "" {
		out.PoolPath = block.PoolPath
	}

	if block.Pool != nil {
		out.Pool = PoolSettings{
			Capacity: block.Pool.Capacity,
			BasePort: block.Pool.BasePort,
			Stride:   block.Pool.Stride,
		}
		if out.Pool.Capacity < 0 {
			return fmt.Errorf("config: pool capacity must not be negative")
		}
	}

	if block.Executor == nil {
		return fmt.Errorf("config: an executor block is required")
	}
	if len(block.Executor.Command) == 0 {
		return fmt.Errorf("config: executor command must not be empty")
	}
	out.Executor = ExecutorSettings{
		Command: block.Executor.Command,
		WorkDir: block.Executor.WorkDir,
		LogDir:  block.Executor.LogDir,
	}
	if out.Executor.Timeout, err = parseDuration("executor timeout", block.Executor.Timeout); err != nil {
		return err
	}
	if out.Executor.Timeout == 0 {
		out.Executor.Timeout = defaultExecutorTimeout
	}

	if block.Tickets == nil {
		return fmt.Errorf("config: a tickets block is required")
	}
	if block.Tickets.BaseURL == "" {
		return fmt.Errorf("config: tickets base_url must not be empty")
	}
	out.Tickets = TicketSettings{
		BaseURL:    block.Tickets.BaseURL,
		RetryLimit: block.Tickets.RetryLimit,
	}
	if out.Tickets.Timeout, err = parseDuration("tickets timeout", block.Tickets.Timeout); err != nil {
		return err
	}
	if out.Tickets.Timeout == 0 {
		out.Tickets.Timeout = defaultTicketTimeout
	}
	return nil
}

func translateFeature(block *featureBlock) (SeedFeature, error) {
	if block.ID == "" {
		return SeedFeature{}, fmt.Errorf("config: feature label must not be empty")
	}
	feature := SeedFeature{
		ID:       block.ID,
		Title:    block.Title,
		Priority: block.Priority,
	}
	if feature.Title == "" {
		feature.Title = block.ID
	}
	for _, pb := range block.Phases {
		payload, err := evalPayload(pb.Payload)
		if err != nil {
			return SeedFeature{}, fmt.Errorf("config: feature %q phase %d: %w", block.ID, pb.Number, err)
		}
		feature.Phases = append(feature.Phases, SeedPhase{
			Number:    pb.Number,
			DependsOn: pb.DependsOn,
			Priority:  pb.Priority,
			Payload:   payload,
		})
	}
	return feature, nil
}

// evalPayload evaluates the payload expression and serializes it to JSON.
// Payloads are literal values (objects, lists, strings); no variables are
// in scope.
func evalPayload(expr hcl.Expression) (json.RawMessage, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to evaluate payload: %w", diags)
	}
	if val.IsNull() || val == cty.NilVal {
		return nil, nil
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	return raw, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return d, nil
}
