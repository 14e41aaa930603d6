package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Exec runs an external collaborator binary. Argv is fixed at configuration
// time; run-specific values reach the process only through its environment.
type Exec struct {
	StageName string
	Argv      []string
	Dir       string
	ExtraEnv  []string
}

func (s *Exec) Name() string { return s.StageName }

func (s *Exec) Run(ctx context.Context, env Env) Result {
	if len(s.Argv) == 0 {
		return Failed(fmt.Errorf("stage %s has no command", s.StageName))
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("stage", s.StageName))

	// #nosec G204 -- argv comes from the project configuration, never from run data.
	cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Dir
	if cmd.Dir == "" {
		cmd.Dir = env.DataRoot
	}
	cmd.Env = append(os.Environ(), s.ExtraEnv...)
	cmd.Env = append(cmd.Env, processEnv(env)...)
	stdout := &lineLogger{logger: logger, stream: "stdout"}
	stderr := &lineLogger{logger: logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.flush()
	stderr.flush()
	if err == nil {
		return Ok()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Failed(fmt.Errorf("stage %s exited with code %d", s.StageName, exitErr.ExitCode()))
	}
	return Failed(fmt.Errorf("stage %s: %w", s.StageName, err))
}

func processEnv(env Env) []string {
	return []string{
		"POSTWATCH_RUN_ID=" + env.RunID,
		"POSTWATCH_DATA_ROOT=" + env.DataRoot,
		"POSTWATCH_STATE_ROOT=" + env.StateRoot,
		"POSTWATCH_COLLABORATORS=" + strings.Join(env.Collaborators, ","),
		"POSTWATCH_DATASETS=" + strings.Join(env.Datasets, ","),
		"POSTWATCH_AUGMENT=" + strconv.FormatBool(env.Augment),
		"POSTWATCH_OFFLINE=" + strconv.FormatBool(env.Offline),
	}
}

// lineLogger forwards complete output lines of a child process to zap.
type lineLogger struct {
	mu      sync.Mutex
	logger  *zap.Logger
	stream  string
	pending bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Write(p)
	for {
		line, err := w.pending.ReadString('\n')
		if err != nil {
			w.pending.Reset()
			w.pending.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineLogger) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.Len() > 0 {
		w.emit(w.pending.String())
		w.pending.Reset()
	}
}

func (w *lineLogger) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if w.stream == "stderr" {
		w.logger.Warn(line, zap.String("stream", w.stream))
		return
	}
	w.logger.Info(line, zap.String("stream", w.stream))
}
