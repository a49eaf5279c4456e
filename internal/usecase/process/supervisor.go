package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"wave-agent/internal/domain"
)

// Job is the body of a background task. It writes output to the given
// writers and returns the exit code. ctx is cancelled when the task is
// stopped.
type Job func(ctx context.Context, stdout, stderr io.Writer) (int, error)

// EvictionMode selects how finished tasks are dropped from the table.
type EvictionMode string

const (
	EvictNone         EvictionMode = "none"
	EvictTTL          EvictionMode = "ttl"
	EvictMaxCompleted EvictionMode = "max_completed"
)

// EvictionPolicy configures automatic removal of terminal tasks. With
// EvictNone tasks live until removed or the supervisor shuts down.
type EvictionPolicy struct {
	Mode         EvictionMode
	TTL          time.Duration // EvictTTL: age after end time
	MaxCompleted int           // EvictMaxCompleted: newest terminal tasks kept
	Interval     time.Duration // sweep period (default: 1m)
}

// SupervisorConfig holds configuration for the Supervisor.
type SupervisorConfig struct {
	MaxRunning      int // concurrent running tasks (default: 10)
	OutputBufferMax int // bytes kept per stream; 0 keeps everything
	Eviction        EvictionPolicy
}

type taskEntry struct {
	snap       domain.TaskSnapshot
	cancel     context.CancelFunc
	stdout     *outputBuffer
	stderr     *outputBuffer
	stdoutRead int64
	stderrRead int64
	done       chan struct{}
}

// Supervisor runs background tasks concurrently with the foreground
// conversation. The task table is guarded by mu; every status change is
// published on the event bus so observers never poll.
type Supervisor struct {
	mu      sync.Mutex
	tasks   map[string]*taskEntry
	entropy io.Reader // ULID source; guarded by mu
	config  SupervisorConfig
	bus     domain.EventBus
	logger  *slog.Logger
	now     func() time.Time

	sched    *cron.Cron
	stopOnce sync.Once
}

// NewSupervisor creates a Supervisor and, unless eviction is disabled,
// schedules the eviction sweep.
func NewSupervisor(cfg SupervisorConfig, bus domain.EventBus, logger *slog.Logger) (*Supervisor, error) {
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = 10
	}
	if cfg.Eviction.Mode == "" {
		cfg.Eviction.Mode = EvictNone
	}
	if cfg.Eviction.Interval <= 0 {
		cfg.Eviction.Interval = time.Minute
	}
	switch cfg.Eviction.Mode {
	case EvictNone:
	case EvictTTL:
		if cfg.Eviction.TTL <= 0 {
			return nil, domain.NewSubSystemError("task", "NewSupervisor", domain.ErrInvalidInput, "ttl eviction needs a positive ttl")
		}
	case EvictMaxCompleted:
		if cfg.Eviction.MaxCompleted <= 0 {
			return nil, domain.NewSubSystemError("task", "NewSupervisor", domain.ErrInvalidInput, "max_completed eviction needs a positive limit")
		}
	default:
		return nil, domain.NewSubSystemError("task", "NewSupervisor", domain.ErrInvalidInput,
			fmt.Sprintf("unknown eviction mode %q", cfg.Eviction.Mode))
	}

	s := &Supervisor{
		tasks:   make(map[string]*taskEntry),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		config:  cfg,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
	if cfg.Eviction.Mode != EvictNone {
		s.sched = cron.New()
		spec := "@every " + cfg.Eviction.Interval.String()
		if _, err := s.sched.AddFunc(spec, s.Evict); err != nil {
			return nil, fmt.Errorf("supervisor: schedule eviction: %w", err)
		}
		s.sched.Start()
	}
	return s, nil
}

// StartShell runs command in the background through the platform shell.
func (s *Supervisor) StartShell(ctx context.Context, command, dir string, env map[string]string) (string, error) {
	job := func(jobCtx context.Context, stdout, stderr io.Writer) (int, error) {
		r := NewRunner(s.logger, 0)
		res, err := r.Run(jobCtx, Command{Command: command, Dir: dir, Env: env, Stdout: stdout, Stderr: stderr}, nil)
		if err != nil {
			return 1, err
		}
		return res.ExitCode, nil
	}
	return s.Create(ctx, domain.TaskShell, command, job)
}

// StartSubagent runs fn in the background. Its result text becomes the
// task's stdout; an error fails the task.
func (s *Supervisor) StartSubagent(ctx context.Context, descriptor string, fn func(ctx context.Context) (string, error)) (string, error) {
	job := func(jobCtx context.Context, stdout, _ io.Writer) (int, error) {
		out, err := fn(jobCtx)
		if out != "" {
			io.WriteString(stdout, out)
		}
		if err != nil {
			return 1, err
		}
		return 0, nil
	}
	return s.Create(ctx, domain.TaskSubagent, descriptor, job)
}

// Create registers a task and starts job on its own goroutine. The job
// context is detached from ctx so the task outlives the request.
func (s *Supervisor) Create(ctx context.Context, kind domain.TaskKind, descriptor string, job Job) (string, error) {
	s.mu.Lock()
	running := 0
	for _, e := range s.tasks {
		if e.snap.Status == domain.TaskRunning {
			running++
		}
	}
	if running >= s.config.MaxRunning {
		s.mu.Unlock()
		return "", domain.NewSubSystemError("task", "Supervisor.Create", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d tasks running", running, s.config.MaxRunning))
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	entry := &taskEntry{
		snap: domain.TaskSnapshot{
			ID:         s.newID(),
			Kind:       kind,
			Descriptor: descriptor,
			Status:     domain.TaskRunning,
			StartTime:  s.now(),
		},
		cancel: cancel,
		stdout: newOutputBuffer(s.config.OutputBufferMax),
		stderr: newOutputBuffer(s.config.OutputBufferMax),
		done:   make(chan struct{}),
	}
	s.tasks[entry.snap.ID] = entry
	snap := entry.snap
	s.mu.Unlock()

	s.emitEvent(ctx, domain.EventTaskStarted, snap)
	go s.runJob(jobCtx, entry, job)

	s.logger.Info("task started", "task_id", snap.ID, "kind", kind, "descriptor", descriptor)
	return snap.ID, nil
}

// List returns metadata for every task, oldest first.
func (s *Supervisor) List() []domain.TaskSnapshot {
	s.mu.Lock()
	out := make([]domain.TaskSnapshot, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.snap)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Get returns the metadata of one task.
func (s *Supervisor) Get(id string) (domain.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return domain.TaskSnapshot{}, domain.NewSubSystemError("task", "Supervisor.Get", domain.ErrNotFound, id)
	}
	return e.snap, nil
}

// Output returns the full accumulated output and status of a task.
func (s *Supervisor) Output(id string) (domain.TaskOutput, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.TaskOutput{}, domain.NewSubSystemError("task", "Supervisor.Output", domain.ErrNotFound, id)
	}
	snap := e.snap
	s.mu.Unlock()

	return domain.TaskOutput{
		TaskSnapshot: snap,
		Stdout:       e.stdout.String(),
		Stderr:       e.stderr.String(),
	}, nil
}

// Poll returns only the output produced since the previous Poll of the task.
func (s *Supervisor) Poll(id string) (domain.TaskOutput, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.TaskOutput{}, domain.NewSubSystemError("task", "Supervisor.Poll", domain.ErrNotFound, id)
	}
	stdout, nextOut := e.stdout.ReadFrom(e.stdoutRead)
	stderr, nextErr := e.stderr.ReadFrom(e.stderrRead)
	e.stdoutRead, e.stderrRead = nextOut, nextErr
	snap := e.snap
	s.mu.Unlock()

	return domain.TaskOutput{TaskSnapshot: snap, Stdout: stdout, Stderr: stderr}, nil
}

// Stop force-terminates a running task and marks it killed with exit code
// 130. Stopping a task that already finished changes nothing.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewSubSystemError("task", "Supervisor.Stop", domain.ErrNotFound, id)
	}
	if e.snap.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	// Set status BEFORE cancel so runJob sees it and keeps it.
	s.markLocked(e, domain.TaskKilled, domain.ExitCodeKilled)
	snap := e.snap
	s.mu.Unlock()

	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.emitEvent(ctx, domain.EventTaskKilled, snap)
	s.logger.Info("task killed", "task_id", id)
	return nil
}

// Remove deletes a task from the table, stopping it first if it is running.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return domain.WrapOp("Supervisor.Remove", err)
	}
	s.mu.Lock()
	e, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if ok {
		s.emitEvent(ctx, domain.EventTaskRemoved, e.snap)
	}
	return nil
}

// Clear removes every finished task and returns how many were dropped.
func (s *Supervisor) Clear(ctx context.Context) int {
	s.mu.Lock()
	var removed []domain.TaskSnapshot
	for id, e := range s.tasks {
		if e.snap.Status.Terminal() {
			delete(s.tasks, id)
			removed = append(removed, e.snap)
		}
	}
	s.mu.Unlock()

	for _, snap := range removed {
		s.emitEvent(ctx, domain.EventTaskRemoved, snap)
	}
	return len(removed)
}

// Evict applies the configured eviction policy once.
func (s *Supervisor) Evict() {
	s.mu.Lock()
	var removed []domain.TaskSnapshot
	switch s.config.Eviction.Mode {
	case EvictTTL:
		cutoff := s.now().Add(-s.config.Eviction.TTL)
		for id, e := range s.tasks {
			if e.snap.EndTime != nil && e.snap.EndTime.Before(cutoff) {
				delete(s.tasks, id)
				removed = append(removed, e.snap)
			}
		}
	case EvictMaxCompleted:
		var finished []*taskEntry
		for _, e := range s.tasks {
			if e.snap.EndTime != nil {
				finished = append(finished, e)
			}
		}
		sort.Slice(finished, func(i, j int) bool {
			return finished[i].snap.EndTime.After(*finished[j].snap.EndTime)
		})
		for _, e := range finished[min(len(finished), s.config.Eviction.MaxCompleted):] {
			delete(s.tasks, e.snap.ID)
			removed = append(removed, e.snap)
		}
	}
	s.mu.Unlock()

	for _, snap := range removed {
		s.logger.Debug("task evicted", "task_id", snap.ID, "policy", s.config.Eviction.Mode)
		s.emitEvent(context.Background(), domain.EventTaskRemoved, snap)
	}
}

// Shutdown stops the eviction schedule and kills every running task.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		if s.sched != nil {
			<-s.sched.Stop().Done()
		}
	})

	s.mu.Lock()
	var running []*taskEntry
	for _, e := range s.tasks {
		if e.snap.Status == domain.TaskRunning {
			s.markLocked(e, domain.TaskKilled, domain.ExitCodeKilled)
			running = append(running, e)
		}
	}
	s.mu.Unlock()

	for _, e := range running {
		e.cancel()
		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}
	}
}

// --- internal ---

func (s *Supervisor) runJob(ctx context.Context, e *taskEntry, job Job) {
	code, err := s.safeRun(ctx, e, job)

	s.mu.Lock()
	// Only record completion if Stop/Shutdown hasn't already.
	emit := e.snap.Status == domain.TaskRunning
	var eventType domain.EventType
	if emit {
		if err != nil {
			if e.stderr.TotalWritten() > 0 {
				e.stderr.WriteString("\n")
			}
			e.stderr.WriteString("Error: " + err.Error())
			if code == 0 {
				code = 1
			}
		}
		if code == 0 {
			s.markLocked(e, domain.TaskCompleted, code)
			eventType = domain.EventTaskCompleted
		} else {
			s.markLocked(e, domain.TaskFailed, code)
			eventType = domain.EventTaskFailed
		}
	}
	snap := e.snap
	s.mu.Unlock()
	close(e.done)

	if emit {
		s.emitEvent(context.Background(), eventType, snap)
	}
	s.logger.Info("task finished", "task_id", snap.ID, "status", snap.Status, "exit_code", code)
}

func (s *Supervisor) safeRun(ctx context.Context, e *taskEntry, job Job) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task_id", e.snap.ID, "panic", r)
			code, err = 1, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return job(ctx, e.stdout, e.stderr)
}

// markLocked moves a running task to a terminal status. It sets the exit
// code exactly once. Callers hold s.mu.
func (s *Supervisor) markLocked(e *taskEntry, status domain.TaskStatus, code int) {
	if e.snap.Status.Terminal() {
		return
	}
	now := s.now()
	e.snap.Status = status
	e.snap.EndTime = &now
	e.snap.ExitCode = &code
}

func (s *Supervisor) emitEvent(ctx context.Context, eventType domain.EventType, snap domain.TaskSnapshot) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(domain.TaskEventPayload{Task: snap})
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: s.now(),
		SessionID: domain.SessionIDFromContext(ctx),
		Payload:   data,
	})
}

// newID returns a ULID. Callers hold s.mu.
func (s *Supervisor) newID() string {
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}
