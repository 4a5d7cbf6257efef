package taxonomy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSealsVersionAndSource(t *testing.T) {
	err := New(CategoryStepExecution, "tool returned non-zero exit")

	assert.Equal(t, 1, err.Version)
	assert.Equal(t, "agent_kernel", err.Source)
	assert.Equal(t, CategoryStepExecution, err.Category)
	assert.False(t, err.At.IsZero())
}

func TestWrapCarriesCauseMessage(t *testing.T) {
	cause := errors.New("EADDRINUSE")

	err := Wrap(CategoryRuntimeVerification, "preview container failed health check", cause)

	require.Contains(t, err.Error(), "EADDRINUSE")
	assert.Equal(t, "EADDRINUSE", err.Cause)
}

func TestWrapCapturesStackTrace(t *testing.T) {
	cause := errors.New("connection refused")

	err := Wrap(CategoryStepExecution, "dial failed", cause)

	assert.NotEmpty(t, err.Stack)
}

func TestWrapWithoutCauseLeavesStackEmpty(t *testing.T) {
	err := Wrap(CategoryStepExecution, "no underlying cause", nil)

	assert.Empty(t, err.Stack)
	assert.Empty(t, err.Cause)
}

func TestErrorStringFormat(t *testing.T) {
	err := New(CategoryContractMismatch, "requested contract differs from persisted")
	assert.Equal(t, "CONTRACT_MISMATCH: requested contract differs from persisted", err.Error())
}

func TestWithDetailsAndCodeChain(t *testing.T) {
	err := New(CategoryHeavyValidation, "blocking checks failed").
		WithCode("TS2307").
		WithDetails(map[string]any{"blockingCount": 3})

	assert.Equal(t, "TS2307", err.Code)
	assert.Equal(t, 3, err.Details["blockingCount"])
}

func TestMarshalDetailsDefaultsToEmptyObject(t *testing.T) {
	err := New(CategoryStepTransaction, "cap exceeded")

	data, marshalErr := err.MarshalDetails()
	require.NoError(t, marshalErr)
	assert.Equal(t, "{}", string(data))
}
