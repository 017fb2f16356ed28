// Package agent launches one external agent process per request and turns
// its unstructured output into a model.AgentResult.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/iliyamo/agent-gateway/internal/apperror"
	"github.com/iliyamo/agent-gateway/internal/model"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

const (
	defaultPath      = "/usr/local/bin:/usr/bin:/bin"
	defaultMaxOutput = 1 << 20
	waitDelay        = 2 * time.Second
)

// Config describes how the agent binary is launched.
type Config struct {
	Binary         string
	Args           []string // placed before the task description argument
	Timeout        time.Duration
	MaxOutputBytes int
	Capabilities   []string
	SpawnRate      float64 // spawns per second across all users; <= 0 disables
	SpawnBurst     int
	ExtraEnv       []string // fixed KEY=VALUE pairs added to every invocation
}

// Invocation is everything one agent run needs.  Nothing in it is shared
// between users.
type Invocation struct {
	UserID       string
	SessionID    string
	Message      string
	History      []model.Turn
	AccessToken  string
	Timezone     string
	Timeout      time.Duration // overrides Config.Timeout when > 0
	Capabilities []string      // overrides Config.Capabilities when non-nil
}

// ProcessRunner spawns the agent CLI.  It holds only immutable
// configuration and a goroutine-safe spawn limiter, so a single instance
// serves all users concurrently.
type ProcessRunner struct {
	cfg     Config
	path    string
	limiter *rate.Limiter
}

func NewProcessRunner(cfg Config) *ProcessRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}
	r := &ProcessRunner{cfg: cfg, path: os.Getenv("PATH")}
	if r.path == "" {
		r.path = defaultPath
	}
	if cfg.SpawnRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), max(cfg.SpawnBurst, 1))
	}
	return r
}

// Run executes one agent invocation and extracts its result.
func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (model.AgentResult, error) {
	const op = "agent.run"
	log := zerolog.Ctx(ctx).With().Str("user_id", inv.UserID).Str("session_id", inv.SessionID).Logger()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return model.AgentResult{}, apperror.Wrapf(apperror.Timeout, op, err, "waiting for spawn slot")
		}
	}

	home, err := os.MkdirTemp("", "agent-home-")
	if err != nil {
		return model.AgentResult{}, apperror.Wrapf(apperror.ExecutionFailed, op, err, "create scratch home")
	}
	defer os.RemoveAll(home)

	timeout := r.cfg.Timeout
	if inv.Timeout > 0 {
		timeout = inv.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, r.cfg.Args...), BuildTask(inv.Message, inv.History))
	cmd := exec.CommandContext(runCtx, r.cfg.Binary, args...)
	cmd.Dir = home
	cmd.Env = r.environment(inv, home)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	out := newBoundedBuffer(r.cfg.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e := apperror.Wrapf(apperror.ExecutionFailed, op, err, "spawn %s", r.cfg.Binary)
		e.Retryable = false
		return model.AgentResult{}, e
	}
	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	if out.Truncated() {
		log.Warn().Int("limit", r.cfg.MaxOutputBytes).Msg("agent output truncated")
	}

	if runCtx.Err() != nil {
		log.Warn().Dur("elapsed", elapsed).Msg("agent invocation killed")
		return model.AgentResult{}, apperror.Wrapf(apperror.Timeout, op, runCtx.Err(), "agent exceeded %s", timeout)
	}

	text := out.String()
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		if strings.TrimSpace(text) == "" {
			return model.AgentResult{}, apperror.Wrapf(apperror.ExecutionFailed, op, waitErr, "agent exited with code %d and no output", code)
		}
		res := Extract(text)
		return model.AgentResult{}, apperror.Wrapf(apperror.ExecutionFailed, op, waitErr,
			"agent exited with code %d: %s", code, utils.Truncate(res.ResponseText, 200))
	}

	res := Extract(text)
	log.Debug().Dur("elapsed", elapsed).Str("action", res.Action).Int("tokens", res.TokensUsed).Msg("agent invocation finished")
	return res, nil
}

// environment builds the child's environment from scratch.  The server's
// own environment (database passwords, other users' data) is never
// inherited.
func (r *ProcessRunner) environment(inv Invocation, home string) []string {
	caps := r.cfg.Capabilities
	if inv.Capabilities != nil {
		caps = inv.Capabilities
	}
	env := []string{
		"PATH=" + r.path,
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
		"AGENT_USER_ID=" + inv.UserID,
		"AGENT_SESSION_ID=" + inv.SessionID,
		"GOOGLE_ACCESS_TOKEN=" + inv.AccessToken,
		"AGENT_CAPABILITIES=" + strings.Join(caps, ","),
	}
	if inv.Timezone != "" {
		env = append(env, "TZ="+inv.Timezone, "AGENT_TIMEZONE="+inv.Timezone)
	}
	return append(env, r.cfg.ExtraEnv...)
}

// BuildTask renders the single task-description argument: prior turns
// followed by the current message.
func BuildTask(message string, history []model.Turn) string {
	if len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	b.WriteString("\nCurrent request:\n")
	b.WriteString(message)
	return b.String()
}
