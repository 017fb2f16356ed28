package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iliyamo/agent-gateway/internal/model"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want model.AgentResult
	}{
		{
			name: "whole output json",
			in:   `{"response":"Meeting booked","action_type":"calendar_create","details":{"event_id":"e1"},"tokens_used":42}`,
			want: model.AgentResult{ResponseText: "Meeting booked", Action: "calendar_create",
				Details: map[string]any{"event_id": "e1"}, TokensUsed: 42},
		},
		{
			name: "aliases",
			in:   `{"text":"Sent","action_performed":"email_send","usage":{"total_tokens":9}}`,
			want: model.AgentResult{ResponseText: "Sent", Action: "email_send", TokensUsed: 9},
		},
		{
			name: "json embedded in logs",
			in:   "loading skills...\n[info] calling gmail\n{\"message\":\"Found 3 emails\",\"action\":\"email_search\"}\ndone in 3.2s",
			want: model.AgentResult{ResponseText: "Found 3 emails", Action: "email_search"},
		},
		{
			name: "braces inside strings",
			in:   `note: {not json} then {"response":"use } and { freely \" ok","action_type":""} tail`,
			want: model.AgentResult{ResponseText: `use } and { freely " ok`},
		},
		{
			name: "unrecognised object skipped",
			in:   `{"progress":0.5} {"response":"done"}`,
			want: model.AgentResult{ResponseText: "done"},
		},
		{
			name: "plain text",
			in:   "  Your favorite color is blue.\n",
			want: model.AgentResult{ResponseText: "Your favorite color is blue."},
		},
		{
			name: "ansi colour codes stripped",
			in:   "\x1b[32mAll set!\x1b[0m",
			want: model.AgentResult{ResponseText: "All set!"},
		},
		{
			name: "unbalanced falls back to text",
			in:   `result: {"response": "cut off`,
			want: model.AgentResult{ResponseText: `result: {"response": "cut off`},
		},
		{
			name: "structured record without response field",
			in:   `{"details":{"event_id":"e1"},"tokens_used":3}`,
			want: model.AgentResult{ResponseText: DefaultResponse,
				Details: map[string]any{"event_id": "e1"}, TokensUsed: 3},
		},
		{
			name: "empty response defaults",
			in:   `{"response":"","action_type":"email_send"}`,
			want: model.AgentResult{ResponseText: DefaultResponse, Action: "email_send"},
		},
		{
			name: "nested object is not a top-level block",
			in:   `step {"result":{"response":"inner","action_type":"x"}} then {"response":"outer"}`,
			want: model.AgentResult{ResponseText: "outer"},
		},
		{
			name: "empty",
			in:   " \n ",
			want: model.AgentResult{ResponseText: DefaultResponse},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Extract(tc.in))
		})
	}
}

func TestBuildTask(t *testing.T) {
	assert.Equal(t, "hi", BuildTask("hi", nil))
	got := BuildTask("what is it?", []model.Turn{
		{Role: model.RoleUser, Content: "my favorite color is blue"},
		{Role: model.RoleAssistant, Content: "noted"},
	})
	assert.Equal(t, "Conversation so far:\nuser: my favorite color is blue\nassistant: noted\n\nCurrent request:\nwhat is it?", got)
}

func TestBoundedBuffer(t *testing.T) {
	b := newBoundedBuffer(5)
	n, err := b.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = b.Write([]byte("defg"))
	assert.Equal(t, 4, n)
	_, _ = b.Write([]byte("h"))
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())
}
