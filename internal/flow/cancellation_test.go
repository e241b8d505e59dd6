package flow

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/item-flow/internal/model"
)

func TestBeginRun_RejectsEmptyAndDuplicate(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.BeginRun("  ", "tester")
	assert.True(t, IsCode(err, CodeInvalidTarget))

	run, err := reg.BeginRun("A-1", "tester")
	require.NoError(t, err)
	require.NotNil(t, run)

	_, err = reg.BeginRun("A-1", "tester")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeRunInFlight))
	assert.False(t, IsCode(err, CodeRunCancelled))
	fe, ok := AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, fe.Status)

	run.Complete()
	_, err = reg.BeginRun("A-1", "tester")
	assert.NoError(t, err)
}

func TestRequestCancellation_Statuses(t *testing.T) {
	reg := NewRegistry()

	res := reg.RequestCancellation("", "tester", "")
	assert.Equal(t, CancelInvalidID, res.Status)

	res = reg.RequestCancellation("unknown", "tester", "")
	assert.Equal(t, CancelNotFound, res.Status)

	run, err := reg.BeginRun("A-1", "tester")
	require.NoError(t, err)

	res = reg.RequestCancellation("A-1", "tester", "")
	assert.True(t, res.OK)
	assert.Equal(t, CancelRequested, res.Status)
	assert.Equal(t, "Cancellation requested via API.", res.Message)

	// Signal already fired, run still live.
	res = reg.RequestCancellation("A-1", "tester", "")
	assert.False(t, res.OK)
	assert.Equal(t, CancelAlreadyAborted, res.Status)

	run.Cancel("Cancellation requested via API.")

	res = reg.RequestCancellation("A-1", "tester", "")
	assert.Equal(t, CancelAlreadyCancelled, res.Status)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, model.RunStatusCancelled, res.Outcome.Outcome)

	// Idempotent repeat.
	again := reg.RequestCancellation("A-1", "tester", "")
	assert.Equal(t, CancelAlreadyCancelled, again.Status)
	assert.Equal(t, res.Outcome.RunID, again.Outcome.RunID)
}

func TestRequestCancellation_AlreadyFinished(t *testing.T) {
	reg := NewRegistry()
	run, err := reg.BeginRun("A-1", "tester")
	require.NoError(t, err)
	run.Complete()

	res := reg.RequestCancellation("A-1", "tester", "")
	assert.Equal(t, CancelAlreadyFinished, res.Status)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, model.RunStatusCompleted, res.Outcome.Outcome)
}

func TestRequestCancellation_AbortHookFailure(t *testing.T) {
	reg := NewRegistry()
	run, err := reg.BeginRun("A-1", "tester")
	require.NoError(t, err)
	run.SetAbort(func() error { return errors.New("abort handler broken") })

	res := reg.RequestCancellation("A-1", "tester", "stop")
	assert.False(t, res.OK)
	assert.Equal(t, CancelAbortFailed, res.Status)
}

func TestToken_ErrCarriesReason(t *testing.T) {
	reg := NewRegistry()
	run, err := reg.BeginRun("A-1", "tester")
	require.NoError(t, err)
	token := run.Token()

	assert.NoError(t, token.Err())

	reg.RequestCancellation("A-1", "tester", "operator stop")

	cancelErr := token.Err()
	require.Error(t, cancelErr)
	assert.True(t, IsCode(cancelErr, CodeRunCancelled))
	assert.Contains(t, cancelErr.Error(), "operator stop")

	// Every subsequent check keeps failing.
	assert.Error(t, token.Err())
	assert.Error(t, reg.CheckCancellation("A-1"))
}

func TestCancellation_OutcomeRecordedOnce(t *testing.T) {
	reg := NewRegistry()
	run, err := reg.BeginRun("A-1", "tester")
	require.NoError(t, err)

	reg.RequestCancellation("A-1", "tester", "stop")
	run.Cancel("stop")

	out, ok := reg.Outcome("A-1")
	require.True(t, ok)
	assert.Equal(t, model.RunStatusCancelled, out.Outcome)

	// A late finalizer on the same handle must not overwrite the outcome.
	run.Complete()
	again, ok := reg.Outcome("A-1")
	require.True(t, ok)
	assert.Equal(t, model.RunStatusCancelled, again.Outcome)
	assert.Equal(t, out.RunID, again.RunID)
}

func TestRunState_LiveOnly(t *testing.T) {
	reg := NewRegistry()
	run, err := reg.BeginRun("A-1", "tester")
	require.NoError(t, err)

	state, ok := reg.RunState("A-1")
	require.True(t, ok)
	assert.Equal(t, model.RunStatusRunning, state.Status)

	run.Complete()
	_, ok = reg.RunState("A-1")
	assert.False(t, ok)
}
