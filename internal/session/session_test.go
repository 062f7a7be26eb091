package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zette-dev/natron/internal/process"
	"github.com/zette-dev/natron/internal/process/processtest"
)

// TestSession_DeadlineRespawnsWithoutRetry exercises the timeout branch of
// Ask: a process.ErrCancelled result (the deadline fired mid-turn) forces
// the current driver closed and respawns, but — unlike a crash — the
// original prompt is never retried (spec §8 scenario 4).
func TestSession_DeadlineRespawnsWithoutRetry(t *testing.T) {
	first := processtest.New()
	first.Handler = func(ctx context.Context, prompt string) (string, error) {
		return "", process.ErrCancelled
	}

	var respawned int
	var factoryCalls int
	factory := func(ctx context.Context, workdir string) (process.Driver, error) {
		factoryCalls++
		return processtest.New(), nil
	}

	sess, err := Open(context.Background(), nil, "test", t.TempDir(), func(ctx context.Context, workdir string) (process.Driver, error) {
		return first, nil
	}, DefaultPolicy(), func(string) { respawned++ }, nil)
	require.NoError(t, err)
	sess.factory = factory

	_, err = sess.Ask(context.Background(), "hi")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, factoryCalls, "exactly one respawn, no retry of the timed-out prompt")
	assert.Equal(t, 1, respawned)
	assert.Equal(t, 1, first.Closed(), "the timed-out driver must be force-closed")
	assert.Equal(t, StateIdle, sess.Status().State)
}

// TestSession_HardFailOnNonDeathError confirms a protocol-level error that
// is neither a death nor a cancellation marks the Session dead without
// attempting a respawn.
func TestSession_HardFailOnNonDeathError(t *testing.T) {
	m := processtest.New()
	m.Handler = func(ctx context.Context, prompt string) (string, error) {
		return "", process.ErrProtocolViolation
	}

	sess, err := Open(context.Background(), nil, "test", t.TempDir(), func(ctx context.Context, workdir string) (process.Driver, error) {
		return m, nil
	}, DefaultPolicy(), nil, nil)
	require.NoError(t, err)

	_, err = sess.Ask(context.Background(), "hi")
	require.ErrorIs(t, err, ErrHardFail)
	assert.Equal(t, StateDead, sess.Status().State)
}

// TestSession_CrashThenRespawnThenRetrySucceeds exercises the ordinary
// death path: the first Ask sees process.ErrDead, Session respawns once
// and retries the same prompt against the fresh driver.
func TestSession_CrashThenRespawnThenRetrySucceeds(t *testing.T) {
	dead := processtest.New()
	dead.Kill()

	fresh := processtest.New()
	factoryCalls := 0
	factory := func(ctx context.Context, workdir string) (process.Driver, error) {
		factoryCalls++
		return fresh, nil
	}

	sess, err := Open(context.Background(), nil, "test", t.TempDir(), func(ctx context.Context, workdir string) (process.Driver, error) {
		return dead, nil
	}, DefaultPolicy(), nil, nil)
	require.NoError(t, err)
	sess.factory = factory

	reply, err := sess.Ask(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply)
	assert.Equal(t, 1, factoryCalls)
	assert.Equal(t, 1, fresh.Asks())
}
