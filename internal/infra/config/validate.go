package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateTasks(cfg, ve)
	validateSession(cfg, ve)
	validateMemory(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations < 0 {
		ve.Add("agent.max_iterations must be >= 0")
	}
	if cfg.Agent.MaxCommandOutput < 0 {
		ve.Add("agent.max_command_output must be >= 0")
	}
	if cfg.Agent.Workdir == "" {
		ve.Add("agent.workdir must not be empty")
	}
	if cfg.Agent.Compression.Enabled {
		if cfg.Agent.Compression.Threshold <= 0 {
			ve.Add("agent.compression.threshold must be > 0 when compression is enabled")
		}
		if cfg.Agent.Compression.KeepRecent <= 0 {
			ve.Add("agent.compression.keep_recent must be > 0 when compression is enabled")
		}
	}
	if cfg.Agent.SubAgent.MaxIterations < 0 {
		ve.Add("agent.sub_agent.max_iterations must be >= 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	l := cfg.LLM
	if l.BaseURL == "" {
		ve.Add("llm.base_url must not be empty")
	} else if u, err := url.Parse(l.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("llm.base_url %q is not an absolute URL", l.BaseURL)
	}
	if l.Model == "" {
		ve.Add("llm.model must not be empty")
	}
	if l.MaxTokens < 0 {
		ve.Add("llm.max_tokens must be >= 0")
	}
	if l.Temperature != nil && (*l.Temperature < 0 || *l.Temperature > 2) {
		ve.Add("llm.temperature must be between 0 and 2")
	}
	if l.ConnTimeout < 0 || l.RespTimeout < 0 {
		ve.Add("llm timeouts must be >= 0")
	}
	if l.RateLimit.RequestsPerMin < 0 {
		ve.Add("llm.rate_limit.requests_per_min must be >= 0")
	}
	if l.RateLimit.RequestsPerMin > 0 && l.RateLimit.BurstSize <= 0 {
		ve.Add("llm.rate_limit.burst_size must be > 0 when rate limiting is enabled")
	}
}

var validEvictionModes = map[string]bool{
	"none":          true,
	"ttl":           true,
	"max_completed": true,
}

func validateTasks(cfg *Config, ve *ValidationError) {
	t := cfg.Tasks
	if t.MaxRunning < 0 {
		ve.Add("tasks.max_running must be >= 0")
	}
	if t.OutputBufferMax < 0 {
		ve.Add("tasks.output_buffer_max must be >= 0")
	}
	if !validEvictionModes[t.Eviction.Mode] {
		ve.Add("tasks.eviction.mode %q must be one of none, ttl, max_completed", t.Eviction.Mode)
	}
	switch t.Eviction.Mode {
	case "ttl":
		if t.Eviction.TTL <= 0 {
			ve.Add("tasks.eviction.ttl must be > 0 when mode is ttl")
		}
	case "max_completed":
		if t.Eviction.MaxCompleted <= 0 {
			ve.Add("tasks.eviction.max_completed must be > 0 when mode is max_completed")
		}
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	switch cfg.Session.Backend {
	case "none":
	case "file":
		if cfg.Session.Dir == "" {
			ve.Add("session.dir must not be empty for the file backend")
		}
	case "sqlite":
		if cfg.Session.DBPath == "" {
			ve.Add("session.db_path must not be empty for the sqlite backend")
		}
	default:
		ve.Add("session.backend %q must be one of file, sqlite, none", cfg.Session.Backend)
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	if !cfg.Memory.Enabled {
		return
	}
	if cfg.Memory.FileName == "" || strings.ContainsAny(cfg.Memory.FileName, `/\`) {
		ve.Add("memory.file_name must be a plain file name")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not a known level", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}
