package notify

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/execx"
)

type recordingRunner struct {
	calls []execx.Command
	stdin []string
	err   error
}

func (r *recordingRunner) Run(_ context.Context, cmd execx.Command) (execx.Result, error) {
	r.calls = append(r.calls, cmd)
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		r.stdin = append(r.stdin, string(data))
	}
	return execx.Result{}, r.err
}

func TestNotify_InvokesHook(t *testing.T) {
	r := &recordingRunner{}
	h := NewHook(zerolog.Nop(), "/usr/local/bin/notify", []string{"--channel", "ops"}, r)

	h.Notify(context.Background(), "backup", "db", "Fatal: repository is locked")

	require.Len(t, r.calls, 1)
	assert.Equal(t, "/usr/local/bin/notify", r.calls[0].Name)
	assert.Equal(t, []string{"--channel", "ops", "backup", "db"}, r.calls[0].Args)
	assert.Contains(t, r.calls[0].Env, "SNAPBACKUP_SUBJECT=db")
	assert.Equal(t, []string{"Fatal: repository is locked"}, r.stdin)
}

func TestNotify_DisabledWithoutCommand(t *testing.T) {
	r := &recordingRunner{}
	NewHook(zerolog.Nop(), "", nil, r).Notify(context.Background(), "backup", "db", "x")
	assert.Empty(t, r.calls)
}

func TestNotify_HookFailureIsSwallowed(t *testing.T) {
	r := &recordingRunner{err: errors.New("exit status 1")}
	h := NewHook(zerolog.Nop(), "/bin/false", nil, r)

	assert.NotPanics(t, func() {
		h.Notify(context.Background(), "verification", "local", "check failed")
	})
	assert.Len(t, r.calls, 1)
}

func TestNotify_ArgsNotShared(t *testing.T) {
	base := make([]string, 1, 4)
	base[0] = "--quiet"
	r := &recordingRunner{}
	h := NewHook(zerolog.Nop(), "/usr/bin/notify", base, r)

	h.Notify(context.Background(), "backup", "db", "")
	h.Notify(context.Background(), "backup", "media", "")

	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"--quiet", "backup", "db"}, r.calls[0].Args)
	assert.Equal(t, []string{"--quiet", "backup", "media"}, r.calls[1].Args)
}
