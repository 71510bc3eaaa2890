// Package notify runs the operator's failure notification hook.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/execx"
)

const defaultTimeout = 30 * time.Second

// Hook invokes an external command as `<command> [args...] <kind> <subject>`
// with the error excerpt on stdin. A hook failure never changes the outcome
// of the run that triggered it.
type Hook struct {
	logger  zerolog.Logger
	command string
	args    []string
	runner  execx.Runner
	timeout time.Duration
}

// NewHook creates a hook. An empty command disables notifications.
func NewHook(logger zerolog.Logger, command string, args []string, runner execx.Runner) *Hook {
	if runner == nil {
		runner = execx.ExecRunner{}
	}
	return &Hook{
		logger:  logger.With().Str("component", "notify").Logger(),
		command: command,
		args:    args,
		runner:  runner,
		timeout: defaultTimeout,
	}
}

// Notify reports a failed run of kind ("backup", "verification",
// "restore-test") for subject.
func (h *Hook) Notify(ctx context.Context, kind, subject, excerpt string) {
	log := h.logger.With().Str("kind", kind).Str("subject", subject).Logger()
	if h.command == "" {
		log.Debug().Msg("no notification hook configured")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	args := append(append([]string(nil), h.args...), kind, subject)
	_, err := h.runner.Run(ctx, execx.Command{
		Name:  h.command,
		Args:  args,
		Env:   []string{"SNAPBACKUP_KIND=" + kind, "SNAPBACKUP_SUBJECT=" + subject},
		Stdin: strings.NewReader(excerpt),
	})
	if err != nil {
		log.Warn().Err(err).Msg("notification hook failed")
		return
	}
	log.Info().Msg("sent failure notification")
}
