package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/value"
)

func TestCodegenHandlerRunsScriptAgainstInput(t *testing.T) {
	h := NewCodegenHandler()
	inputs, err := value.FromAny(map[string]interface{}{
		"script":     "function main(input) { console.log('hi'); return {doubled: input.n * 2}; }",
		"entryPoint": "main",
		"input":      map[string]interface{}{"n": 21},
	})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)

	var summary struct {
		Logs   []string               `json:"logs"`
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, result.Summary.Decode(&summary))
	require.Equal(t, []string{"hi"}, summary.Logs)
	require.EqualValues(t, 42, summary.Result["doubled"])
}

func TestCodegenHandlerEmitsArtifactWhenFilenameSetWithScript(t *testing.T) {
	h := NewCodegenHandler()
	inputs, err := value.FromAny(map[string]interface{}{
		"script":     "function main(input) { return 'line one\\nline two'; }",
		"entryPoint": "main",
		"filename":   "haiku.md",
	})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 1)
	require.Equal(t, "haiku.md", result.Artifacts[0].Name)
	require.Equal(t, "text/markdown", result.Artifacts[0].MimeType)
	require.Equal(t, "line one\nline two", string(result.Artifacts[0].Data))
}

func TestCodegenHandlerWithoutScriptProducesArtifactFromTopic(t *testing.T) {
	h := NewCodegenHandler()
	inputs, err := value.FromAny(map[string]interface{}{
		"topic":    "Testing",
		"filename": "haiku.md",
	})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 1)
	require.Equal(t, "haiku.md", result.Artifacts[0].Name)
	require.Contains(t, string(result.Artifacts[0].Data), "Testing")
}

func TestCodegenHandlerRejectsMissingScript(t *testing.T) {
	h := NewCodegenHandler()
	inputs, err := value.FromAny(map[string]interface{}{})
	require.NoError(t, err)

	_, err = h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.Error(t, err)

	var handlerErr *engine.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.True(t, handlerErr.Terminal)
}
