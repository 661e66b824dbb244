package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/vk/phaseline/internal/ctxlog"
)

// LocalSpawner runs one subprocess per phase and doubles as the pull
// StatusSource for the executors it started. Results live in memory only;
// after a restart QueryStatus answers ErrUnknownHandle and the coordinator
// falls back to its crash-recovery path.
type LocalSpawner struct {
	command []string
	workDir string
	logDir  string
	timeout time.Duration

	mu      sync.Mutex
	results map[string]Result
}

// LocalOptions configure a LocalSpawner.
type LocalOptions struct {
	// Command is the executor binary plus fixed arguments. Per-phase data
	// is passed through the environment.
	Command []string
	// WorkDir is the working directory for spawned processes.
	WorkDir string
	// LogDir receives one stdout/stderr capture file per executor.
	LogDir string
	// Timeout bounds the executor's total runtime; expiry is reported as a
	// failed result, not a transient error.
	Timeout time.Duration
}

// NewLocalSpawner validates the options and builds the spawner.
func NewLocalSpawner(opts LocalOptions) (*LocalSpawner, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("executor: command is required")
	}
	if opts.Timeout <= 0 {
		return nil, errors.New("executor: timeout must be positive")
	}
	return &LocalSpawner{
		command: opts.Command,
		workDir: opts.WorkDir,
		logDir:  opts.LogDir,
		timeout: opts.Timeout,
		results: make(map[string]Result),
	}, nil
}

// Launch starts the executor process and returns immediately. A detached
// goroutine waits for the process and records the tri-state result.
func (s *LocalSpawner) Launch(ctx context.Context, spec Spec) error {
	handle := spec.Handle
	if handle == "" {
		return errors.New("executor: spec handle is required")
	}

	// The process outlives the launching tick, so its context is derived
	// from the background, bounded only by the executor timeout.
	procCtx, cancel := context.WithTimeout(context.Background(), s.timeout)

	cmd := exec.CommandContext(procCtx, s.command[0], s.command[1:]...)
	cmd.Dir = s.workDir
	cmd.Env = append(os.Environ(),
		"PHASELINE_HANDLE="+handle,
		"PHASELINE_QUEUE_ID="+spec.QueueID,
		"PHASELINE_FEATURE_ID="+spec.FeatureID,
		fmt.Sprintf("PHASELINE_PHASE_NUMBER=%d", spec.PhaseNumber),
		fmt.Sprintf("PHASELINE_PORT_A=%d", spec.PortA),
		fmt.Sprintf("PHASELINE_PORT_B=%d", spec.PortB),
		"PHASELINE_PAYLOAD="+string(spec.Payload),
	)

	logFile, err := s.openLogFile(handle)
	if err != nil {
		cancel()
		return err
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("executor: spawn for phase %s: %w", spec.QueueID, err)
	}

	s.setResult(handle, Result{State: StateRunning})
	ctxlog.FromContext(ctx).Info("Executor launched.",
		"handle", handle, "phase", spec.QueueID, "pid", cmd.Process.Pid)

	go func() {
		defer cancel()
		if logFile != nil {
			defer logFile.Close()
		}
		err := cmd.Wait()
		switch {
		case procCtx.Err() == context.DeadlineExceeded:
			s.setResult(handle, Result{
				State:       StateFailed,
				ErrorDetail: fmt.Sprintf("executor timed out after %s", s.timeout),
			})
		case err != nil:
			s.setResult(handle, Result{State: StateFailed, ErrorDetail: err.Error()})
		default:
			s.setResult(handle, Result{State: StateSucceeded})
		}
	}()

	return nil
}

// QueryStatus implements StatusSource for locally spawned executors.
func (s *LocalSpawner) QueryStatus(_ context.Context, handle string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[handle]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return result, nil
}

// Active reports whether the handle belongs to an executor that has not
// finished yet. Used by the pool reaper to distinguish leaked slots from
// live ones.
func (s *LocalSpawner) Active(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[handle]
	return ok && result.State == StateRunning
}

func (s *LocalSpawner) setResult(handle string, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[handle] = result
}

// openLogFile creates the per-executor capture file, or returns nil when no
// log directory is configured.
func (s *LocalSpawner) openLogFile(handle string) (*os.File, error) {
	if s.logDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create log directory %s: %w", s.logDir, err)
	}
	path := filepath.Join(s.logDir, handle+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("executor: open log file %s: %w", path, err)
	}
	return f, nil
}
