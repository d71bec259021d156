package engine

import "github.com/R3E-Network/runcontrol/internal/value"

// stepPolicy is the decoded form of a step's embedded _policy sub-object.
type stepPolicy struct {
	ToolsAllowed []string `json:"tools_allowed"`
	EnvAllowed   []string `json:"env_allowed"`
	SecretsScope []string `json:"secrets_scope"`
}

// parsePolicy reads the optional _policy field out of a step's inputs. An
// absent field decodes to its zero value, matching the "validate only the
// fields the core reads" rule of spec.md 9.
func parsePolicy(inputs value.Value) stepPolicy {
	var p stepPolicy
	field := inputs.Get("_policy")
	if !field.Exists() {
		return p
	}
	_ = value.New([]byte(field.Raw)).Decode(&p)
	return p
}
