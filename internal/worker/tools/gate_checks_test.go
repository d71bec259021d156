package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/value"
)

func TestGateCheckHandlerReportsFailure(t *testing.T) {
	h := NewGateCheckHandler("lint", 0)
	inputs, err := value.FromAny(map[string]interface{}{
		"script": "function check() { return {passed: false, reason: 'unused import'}; }",
	})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)
	require.NotNil(t, result.Gate)
	require.Equal(t, "lint", result.Gate.GateType)
	require.False(t, result.Gate.Passed)
	require.Equal(t, "unused import", result.Gate.Reason)
}

func TestGateCheckHandlerDefaultsToPassWithNoScript(t *testing.T) {
	h := NewGateCheckHandler("unit", 0.9)
	inputs, err := value.FromAny(map[string]interface{}{})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)
	require.True(t, result.Gate.Passed)
}

func TestGateCheckHandlerFailsUnitGateBelowCoverageThreshold(t *testing.T) {
	h := NewGateCheckHandler("unit", 0.9)
	inputs, err := value.FromAny(map[string]interface{}{
		"script": "function check() { return {passed: true, reason: 'all tests passed', coverage: 0.75}; }",
	})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)
	require.NotNil(t, result.Gate)
	require.False(t, result.Gate.Passed)
	require.Contains(t, result.Gate.Reason, "coverage")
}

func TestGateCheckHandlerPassesUnitGateAtOrAboveCoverageThreshold(t *testing.T) {
	h := NewGateCheckHandler("unit", 0.9)
	inputs, err := value.FromAny(map[string]interface{}{
		"script": "function check() { return {passed: true, reason: 'all tests passed', coverage: 0.92}; }",
	})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)
	require.NotNil(t, result.Gate)
	require.True(t, result.Gate.Passed)
}
