package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/stemsplit/internal/artifact"
	"github.com/cuongbtq/stemsplit/internal/domain"
)

// Separator turns one input file into named track files.
type Separator interface {
	// Initialize performs one-time setup. Calls after the first success are no-ops.
	Initialize(ctx context.Context) error
	// Separate blocks until every track exists on disk or the engine fails.
	Separate(ctx context.Context, inputPath string) (map[string]string, error)
}

// Processing stages reported in ProcessingError.Stage
const (
	StageInitialize = "initialize"
	StageSeparate   = "separate"
	StageCollect    = "collect"
)

// command is one process invocation.
type command struct {
	Name string
	Args []string
	Env  []string
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, cmd command) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, c command) (commandResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Config describes the external separation command
type Config struct {
	Command   string
	Args      []string
	InitArgs  []string
	Model     string
	Tracks    []string
	OutputExt string
	Store     *artifact.Store
	Logger    *slog.Logger
}

// CommandEngine runs a separation CLI such as spleeter or demucs. The command
// is expected to write <stems_dir>/<input base name>/<track><ext> per track.
type CommandEngine struct {
	command   string
	args      []string
	initArgs  []string
	model     string
	tracks    []string
	outputExt string
	store     *artifact.Store
	logger    *slog.Logger

	runner    commandRunner
	lookPath  func(file string) (string, error)
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error

	initMu      sync.Mutex
	initialized bool
}

// NewCommandEngine constructs the production engine with OS dependencies.
func NewCommandEngine(cfg Config) *CommandEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandEngine{
		command:   cfg.Command,
		args:      cfg.Args,
		initArgs:  cfg.InitArgs,
		model:     cfg.Model,
		tracks:    cfg.Tracks,
		outputExt: cfg.OutputExt,
		store:     cfg.Store,
		logger:    logger,
		runner:    &execRunner{},
		lookPath:  exec.LookPath,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
	}
}

// Tracks returns the track names every successful separation yields
func (e *CommandEngine) Tracks() []string {
	return append([]string(nil), e.tracks...)
}

// Initialize resolves the engine binary and runs the optional warm-up
// command (typically a model download). A failed attempt is retried on the
// next call.
func (e *CommandEngine) Initialize(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized {
		return nil
	}

	resolved, err := e.lookPath(e.command)
	if err != nil {
		return domain.NewProcessingError(StageInitialize,
			fmt.Sprintf("engine command %q not found", e.command), err)
	}

	if len(e.initArgs) > 0 {
		start := time.Now()
		args := expandArgs(e.initArgs, map[string]string{"{model}": e.model})
		result, err := e.runner.Run(ctx, command{Name: resolved, Args: args})
		if err != nil {
			return domain.NewProcessingError(StageInitialize, describeFailure(result, err), err)
		}
		e.logger.Info("Separation engine warmed up",
			slog.String("command", resolved),
			slog.Duration("elapsed", time.Since(start)),
		)
	}

	e.command = resolved
	e.initialized = true
	e.logger.Info("Separation engine ready",
		slog.String("command", resolved),
		slog.String("model", e.model),
		slog.Any("tracks", e.tracks),
	)
	return nil
}

// Separate runs the engine on inputPath and returns track name -> file path.
// Partial outputs are removed when the run fails.
func (e *CommandEngine) Separate(ctx context.Context, inputPath string) (map[string]string, error) {
	if strings.TrimSpace(inputPath) == "" {
		return nil, domain.NewProcessingError(StageSeparate, "input path is required", nil)
	}
	if !e.store.Exists(inputPath) {
		return nil, domain.NewProcessingError(StageSeparate,
			fmt.Sprintf("cannot access input: %s", filepath.Base(inputPath)), domain.ErrFileNotFound)
	}
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}

	scratch, err := e.mkdirTemp(e.store.OutputDir(), "separate-*")
	if err != nil {
		return nil, domain.NewProcessingError(StageSeparate, "failed to create scratch workspace", err)
	}
	defer func() { _ = e.removeAll(scratch) }()

	args := expandArgs(e.args, map[string]string{
		"{input}":      inputPath,
		"{output_dir}": e.store.StemsDir(),
		"{model}":      e.model,
	})

	start := time.Now()
	result, runErr := e.runner.Run(ctx, command{
		Name: e.command,
		Args: args,
		Env:  []string{"TMPDIR=" + scratch},
	})
	e.logger.Debug("Separation command finished",
		slog.String("input", inputPath),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	trackDir := e.store.TrackDir(inputPath)
	if runErr != nil {
		e.discard(trackDir)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, domain.NewProcessingError(StageSeparate, "separation interrupted", ctxErr)
		}
		return nil, domain.NewProcessingError(StageSeparate, describeFailure(result, runErr), runErr)
	}

	outputs := make(map[string]string, len(e.tracks))
	for _, track := range e.tracks {
		path := filepath.Join(trackDir, track+e.outputExt)
		if !e.store.Exists(path) {
			e.discard(trackDir)
			return nil, domain.NewProcessingError(StageCollect,
				fmt.Sprintf("engine finished but track %q is missing", track), domain.ErrFileNotFound)
		}
		outputs[track] = path
	}
	return outputs, nil
}

// Discard removes the track files for inputPath and their folder when empty.
func (e *CommandEngine) Discard(inputPath string) {
	e.discard(e.store.TrackDir(inputPath))
}

func (e *CommandEngine) discard(trackDir string) {
	for _, track := range e.tracks {
		path := filepath.Join(trackDir, track+e.outputExt)
		if err := e.store.Delete(path); err != nil {
			e.logger.Warn("Failed to remove partial track",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	if _, err := e.store.DeleteIfEmpty(trackDir); err != nil {
		e.logger.Warn("Failed to remove track directory",
			slog.String("path", trackDir),
			slog.String("error", err.Error()),
		)
	}
}

// expandArgs substitutes {placeholders} inside every argument.
func expandArgs(args []string, values map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		for key, value := range values {
			arg = strings.ReplaceAll(arg, key, value)
		}
		out[i] = arg
	}
	return out
}

// describeFailure picks the most useful line of engine output as the cause.
func describeFailure(result commandResult, err error) string {
	for _, stream := range []string{result.Stderr, result.Stdout} {
		if line := lastLine(stream); line != "" {
			return line
		}
	}
	if result.ExitCode > 0 {
		return fmt.Sprintf("engine exited with code %d", result.ExitCode)
	}
	return err.Error()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
