// Package tools provides the built-in ToolHandler implementations the
// worker registers against internal/engine's Registry: the in-process
// "codegen" script transform and the gate:typecheck/gate:lint/gate:unit
// check handlers of spec.md 4.F/9.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// codegenInputs is the shape a "codegen" step's inputs carry: either a
// script and the structured input it runs against (spec.md 9's
// script-step contract), or — per spec.md §8 scenario 1's plan
// `{tool:"codegen", inputs:{topic:"Testing", filename:"haiku.md"}}` — a
// bare topic/filename pair that produces a generated-content artifact with
// no script at all.
type codegenInputs struct {
	Script     string          `json:"script"`
	EntryPoint string          `json:"entryPoint"`
	Input      json.RawMessage `json:"input"`
	Topic      string          `json:"topic"`
	Filename   string          `json:"filename"`
}

// CodegenHandler runs a sandboxed goja script per step, the way
// system/tee/script_engine.go runs TEE script-step transforms: a fresh VM
// per invocation, console.log captured into the result summary, the
// script's exported entry point invoked with the step's structured input.
type CodegenHandler struct{}

// NewCodegenHandler returns a ready-to-register "codegen" handler.
func NewCodegenHandler() *CodegenHandler { return &CodegenHandler{} }

func (h *CodegenHandler) Name() string { return "codegen" }

func (h *CodegenHandler) Invoke(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
	var in codegenInputs
	if err := req.Inputs.Decode(&in); err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("decode codegen inputs: %w", err), Terminal: true}
	}
	if in.Script == "" {
		if in.Filename == "" {
			return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("codegen step requires a script"), Terminal: true}
		}
		return h.invokeWithoutScript(in)
	}
	entryPoint := in.EntryPoint
	if entryPoint == "" {
		entryPoint = "main"
	}

	vm := goja.New()

	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			logs = append(logs, arg.String())
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	var inputVal interface{}
	if len(in.Input) > 0 {
		if err := json.Unmarshal(in.Input, &inputVal); err != nil {
			return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("decode codegen step input: %w", err), Terminal: true}
		}
	}
	_ = vm.Set("input", vm.ToValue(inputVal))

	if _, err := vm.RunString(in.Script); err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("execute codegen script: %w", err), Terminal: true}
	}

	entry, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("entry point %q is not a function", entryPoint), Terminal: true}
	}

	resultVal, err := entry(goja.Undefined(), vm.Get("input"))
	if err != nil {
		// A script runtime error is treated as transient: a flaky
		// upstream-model-generated script may succeed on a later attempt
		// once its inputs settle.
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("call %s: %w", entryPoint, err), Terminal: false}
	}

	output := map[string]interface{}{"logs": logs}
	if resultVal != nil && !goja.IsUndefined(resultVal) && !goja.IsNull(resultVal) {
		output["result"] = resultVal.Export()
	}

	summary, err := value.FromAny(output)
	if err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("encode codegen summary: %w", err), Terminal: true}
	}

	var artifacts []engine.ArtifactFile
	if in.Filename != "" {
		artifacts = append(artifacts, engine.ArtifactFile{
			Name:     in.Filename,
			MimeType: mimeTypeForFilename(in.Filename),
			Data:     artifactContent(resultVal),
		})
	}

	return engine.ExecutionResult{Summary: summary, Artifacts: artifacts}, nil
}

// invokeWithoutScript handles the scriptless codegen shape spec.md §8
// scenario 1 uses: given only a topic and a filename, it produces a small
// generated document as the step's artifact instead of running a script.
func (h *CodegenHandler) invokeWithoutScript(in codegenInputs) (engine.ExecutionResult, error) {
	topic := in.Topic
	if topic == "" {
		topic = in.Filename
	}
	content := fmt.Sprintf("# %s\n\nGenerated by the codegen step.\n", topic)

	summary, err := value.FromAny(map[string]interface{}{
		"logs":   []string{},
		"result": map[string]interface{}{"filename": in.Filename, "topic": topic},
	})
	if err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("encode codegen summary: %w", err), Terminal: true}
	}

	return engine.ExecutionResult{
		Summary: summary,
		Artifacts: []engine.ArtifactFile{{
			Name:     in.Filename,
			MimeType: mimeTypeForFilename(in.Filename),
			Data:     []byte(content),
		}},
	}, nil
}

// artifactContent renders a script's result value as artifact bytes: raw
// for a plain string, JSON-encoded otherwise.
func artifactContent(resultVal goja.Value) []byte {
	if resultVal == nil || goja.IsUndefined(resultVal) || goja.IsNull(resultVal) {
		return nil
	}
	if s, ok := resultVal.Export().(string); ok {
		return []byte(s)
	}
	encoded, err := json.Marshal(resultVal.Export())
	if err != nil {
		return nil
	}
	return encoded
}

// mimeTypeForFilename guesses a content type from the artifact's extension,
// the way spec.md §8's haiku.md/readme-style filenames imply text output.
func mimeTypeForFilename(name string) string {
	switch {
	case strings.HasSuffix(name, ".md"):
		return "text/markdown"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	default:
		return "text/plain"
	}
}
