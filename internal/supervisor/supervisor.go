// ABOUTME: Controller interface and supervisorctl implementation for the gateway process
// ABOUTME: Wraps start/stop/restart/status/pid/reload commands with validation and timeouts

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Controller is the narrow command/query surface the lifecycle manager needs
// from an external process supervisor. Implementations must be safe for
// concurrent use.
type Controller interface {
	// Start begins the supervised process. A false return carries stderr text.
	Start(ctx context.Context) error
	// Stop ends the supervised process. Stopping an already-stopped process
	// is not an error.
	Stop(ctx context.Context) error
	// Restart stops and starts the process atomically from the supervisor's
	// perspective.
	Restart(ctx context.Context) error
	// Status reports whether the process is currently running (best effort).
	Status(ctx context.Context) bool
	// PID returns the OS process id, or false if not running or unparsable.
	PID(ctx context.Context) (int, bool)
	// ReloadConfig makes the supervisor re-read its static configuration.
	ReloadConfig(ctx context.Context) error
}

// Error reports a failed supervisor command, carrying the stderr text for
// operator logs.
type Error struct {
	Op     string // "start", "stop", "restart", "reload"
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("supervisor %s failed: %s", e.Op, strings.TrimSpace(e.Stderr))
	}
	if e.Err != nil {
		return fmt.Sprintf("supervisor %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("supervisor %s failed", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// safeProgram restricts program names so a misconfigured value can never
// smuggle arguments into the supervisorctl command line.
var safeProgram = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateProgram checks that a supervisor program name is safe to pass on
// a command line.
func ValidateProgram(name string) error {
	if name == "" || !safeProgram.MatchString(name) {
		return fmt.Errorf("invalid supervisor program name %q: only alphanumeric, dashes, and underscores are allowed", name)
	}
	if len(name) > 64 {
		return fmt.Errorf("supervisor program name too long (max 64 chars): %q", name)
	}
	return nil
}

// runFunc executes a command and returns stdout, stderr, and an error for a
// non-zero exit. Injectable for tests.
type runFunc func(ctx context.Context, args ...string) (stdout, stderr string, err error)

// Supervisorctl is a Controller backed by the supervisorctl command-line
// tool. When the control plane runs as a non-root user, commands are
// prefixed with `sudo -n` (the deployment configures passwordless
// supervisorctl for the service user).
type Supervisorctl struct {
	program string
	logger  *slog.Logger
	run     runFunc
	isRoot  func() bool
}

// New creates a Supervisorctl controller for the given program name.
func New(program string, logger *slog.Logger) (*Supervisorctl, error) {
	if err := ValidateProgram(program); err != nil {
		return nil, err
	}
	return &Supervisorctl{
		program: program,
		logger:  logger.With("component", "supervisor", "program", program),
		run:     runCommand,
		isRoot:  func() bool { return os.Geteuid() == 0 },
	}, nil
}

func runCommand(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// buildArgs prefixes the supervisorctl invocation with sudo when not root.
func (s *Supervisorctl) buildArgs(args ...string) []string {
	if s.isRoot() {
		return args
	}
	return append([]string{"sudo", "-n"}, args...)
}

func (s *Supervisorctl) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, stderr, err := s.run(ctx, s.buildArgs("supervisorctl", "start", s.program)...)
	if err != nil {
		s.logger.Error("start command failed", "stderr", stderr, "error", err)
		return &Error{Op: "start", Stderr: stderr, Err: err}
	}
	s.logger.Info("started via supervisor")
	return nil
}

func (s *Supervisorctl) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stdout, stderr, err := s.run(ctx, s.buildArgs("supervisorctl", "stop", s.program)...)
	// supervisorctl exits non-zero when the program was not running; that
	// outcome satisfies a stop request.
	if err != nil && !strings.Contains(stdout, "NOT RUNNING") {
		s.logger.Error("stop command failed", "stderr", stderr, "error", err)
		return &Error{Op: "stop", Stderr: stderr, Err: err}
	}
	s.logger.Info("stopped via supervisor")
	return nil
}

func (s *Supervisorctl) Restart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, stderr, err := s.run(ctx, s.buildArgs("supervisorctl", "restart", s.program)...)
	if err != nil {
		s.logger.Error("restart command failed", "stderr", stderr, "error", err)
		return &Error{Op: "restart", Stderr: stderr, Err: err}
	}
	s.logger.Info("restarted via supervisor")
	return nil
}

func (s *Supervisorctl) Status(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Output format: "clawdbot-gateway   RUNNING   pid 12345, uptime 0:01:23"
	stdout, _, err := s.run(ctx, s.buildArgs("supervisorctl", "status", s.program)...)
	if err != nil && stdout == "" {
		s.logger.Error("status command failed", "error", err)
		return false
	}
	return strings.Contains(stdout, "RUNNING")
}

func (s *Supervisorctl) PID(ctx context.Context) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stdout, _, err := s.run(ctx, s.buildArgs("supervisorctl", "status", s.program)...)
	if err != nil && stdout == "" {
		return 0, false
	}
	return parsePID(stdout)
}

// parsePID extracts the pid from supervisorctl status output.
func parsePID(out string) (int, bool) {
	if !strings.Contains(out, "RUNNING") {
		return 0, false
	}
	_, after, found := strings.Cut(out, "pid")
	if !found {
		return 0, false
	}
	pidPart, _, _ := strings.Cut(strings.TrimSpace(after), ",")
	pid, err := strconv.Atoi(strings.TrimSpace(pidPart))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func (s *Supervisorctl) ReloadConfig(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, stderr, err := s.run(ctx, s.buildArgs("supervisorctl", "reread")...); err != nil {
		s.logger.Error("reread command failed", "stderr", stderr, "error", err)
		return &Error{Op: "reload", Stderr: stderr, Err: err}
	}
	if _, stderr, err := s.run(ctx, s.buildArgs("supervisorctl", "update")...); err != nil {
		s.logger.Error("update command failed", "stderr", stderr, "error", err)
		return &Error{Op: "reload", Stderr: stderr, Err: err}
	}
	s.logger.Info("supervisor configuration reloaded")
	return nil
}
