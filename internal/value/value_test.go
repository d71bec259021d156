package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalOrdersKeys(t *testing.T) {
	a := New(json.RawMessage(`{"b":1,"a":2}`))
	b := New(json.RawMessage(`{"a":2,"b":1}`))

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
	require.Equal(t, `{"a":2,"b":1}`, string(ca))
}

func TestIdempotencyKeyStableAcrossKeyOrder(t *testing.T) {
	a := New(json.RawMessage(`{"topic":"x","filename":"y"}`))
	b := New(json.RawMessage(`{"filename":"y","topic":"x"}`))

	ka, err := IdempotencyKey("run-1", "write readme", a)
	require.NoError(t, err)
	kb, err := IdempotencyKey("run-1", "write readme", b)
	require.NoError(t, err)
	require.Equal(t, ka, kb)
	require.Contains(t, ka, "run-1:write readme:")
}

func TestWithFieldEmbedsPolicy(t *testing.T) {
	base := New(json.RawMessage(`{"topic":"x"}`))
	policy := map[string]interface{}{"tools_allowed": []string{"git_pr"}}

	withPolicy, err := base.WithField("_policy", policy)
	require.NoError(t, err)

	require.Equal(t, "x", withPolicy.Get("topic").String())
	require.Equal(t, "git_pr", withPolicy.Get("_policy.tools_allowed.0").String())
}

func TestGetOnAbsentPathDoesNotExist(t *testing.T) {
	v := New(json.RawMessage(`{"a":1}`))
	require.False(t, v.Get("missing.nested").Exists())
}
