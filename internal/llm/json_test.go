package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced no tag", "```\n[1,2]\n```", `[1,2]`},
		{"prose around", `Here you go: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"array before object", `[1,2,3] then {"a":1}`, `[1,2,3]`},
		{"braces inside strings", `{"a":"}{"}`, `{"a":"}{"}`},
		{"no json", "sorry, I cannot", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestRequestJSONFirstTry(t *testing.T) {
	client := NewScriptedClient(`{"name":"orders"}`)
	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, RequestJSON(context.Background(), client, "", "describe", &out))
	assert.Equal(t, "orders", out.Name)
	assert.Equal(t, 1, client.Calls())
}

func TestRequestJSONRetriesOnce(t *testing.T) {
	client := NewScriptedClient("not json at all", "```json\n{\"name\":\"orders\"}\n```")
	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, RequestJSON(context.Background(), client, "", "describe", &out))
	assert.Equal(t, "orders", out.Name)
	assert.Equal(t, 2, client.Calls())
}

func TestRequestJSONFailsAfterRetry(t *testing.T) {
	client := NewScriptedClient("nope", "still nope")
	var out map[string]any
	err := RequestJSON(context.Background(), client, "", "describe", &out)
	assert.Error(t, err)
	assert.Equal(t, 2, client.Calls())
}
