package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inboxzero/internal/model"
)

type fakeThreads struct {
	messages []model.ParsedMessage
	err      error
}

func (f *fakeThreads) GetThreadMessages(context.Context, string) ([]model.ParsedMessage, error) {
	return f.messages, f.err
}

func TestCombineActionsWithAIArgsNoopWithoutArgsOrDraft(t *testing.T) {
	actions := []model.Action{
		{ID: "a1", Type: model.ActionReply, Content: model.Generated()},
		{ID: "a2", Type: model.ActionLabel, Label: model.Template("{{category}}")},
		{ID: "a3", Type: model.ActionDraftEmail},
	}

	out := CombineActionsWithAIArgs(actions, nil, nil)
	assert.Equal(t, actions, out)
}

func TestCombineActionsWithAIArgs(t *testing.T) {
	actions := []model.Action{
		{ID: "a1", Type: model.ActionReply, Content: model.Generated(), Cc: model.Static("boss@example.com")},
		{ID: "a2", Type: model.ActionLabel, Label: model.Template("Clients/{{company name}}")},
		{ID: "a3", Type: model.ActionDraftEmail, Subject: model.Static("Re: hello")},
		{ID: "a4", Type: model.ActionArchive},
	}
	args := AIArgs{
		"a1": {Generated: map[model.Field]string{model.FieldContent: "Thanks, will do."}},
		"a2": {Vars: map[model.Field]map[string]string{model.FieldLabel: {"var1": "Acme"}}},
	}
	draft := "Full draft body"

	out := CombineActionsWithAIArgs(actions, args, &draft)

	assert.Equal(t, model.Static("Thanks, will do."), out[0].Content)
	assert.Equal(t, "boss@example.com", out[0].Cc.Value())
	assert.Equal(t, model.Static("Clients/Acme"), out[1].Label)
	assert.Equal(t, model.Static("Full draft body"), out[2].Content)
	assert.Equal(t, "Re: hello", out[2].Subject.Value())
	assert.Equal(t, actions[3], out[3])

	// 输入不被修改
	assert.Equal(t, model.FieldGenerated, actions[0].Content.Kind)
}

func TestBuildToolParameters(t *testing.T) {
	actions := []model.Action{
		{ID: "a1", Type: model.ActionReply, Content: model.Generated()},
		{ID: "a2", Type: model.ActionSendEmail, Subject: model.Template("About {{topic}}"), Content: model.Template("Hi {{name}}, {{body}}"), To: model.Static("x@y.z")},
		{ID: "a3", Type: model.ActionArchive},
	}

	params := BuildToolParameters(actions)

	assert.Equal(t, jsonschema.Object, params.Type)
	assert.ElementsMatch(t, []string{"REPLY-a1", "SEND_EMAIL-a2"}, params.Required)
	require.Contains(t, params.Properties, "REPLY-a1")
	assert.NotContains(t, params.Properties, "ARCHIVE-a3")

	reply := params.Properties["REPLY-a1"]
	assert.Equal(t, jsonschema.String, reply.Properties["content"].Type)

	send := params.Properties["SEND_EMAIL-a2"]
	assert.ElementsMatch(t, []string{"subject", "content"}, send.Required)
	content := send.Properties["content"]
	assert.Equal(t, jsonschema.Object, content.Type)
	assert.Equal(t, []string{"var1", "var2"}, content.Required)
	assert.Equal(t, "name", content.Properties["var1"].Description)
	assert.Equal(t, "body", content.Properties["var2"].Description)
	assert.Contains(t, content.Description, "Hi {{var1}}, {{var2}}")
}

func TestParseAIArgs(t *testing.T) {
	actions := []model.Action{
		{ID: "a1", Type: model.ActionReply, Content: model.Generated()},
		{ID: "a2", Type: model.ActionLabel, Label: model.Template("{{kind}}")},
	}
	raw := `{"REPLY-a1": {"content": "Sure"}, "LABEL-a2": {"label": {"var1": "Receipts"}}, "UNKNOWN-x": {}}`

	args, err := ParseAIArgs(raw, actions)
	require.NoError(t, err)
	assert.Equal(t, "Sure", args["a1"].Generated[model.FieldContent])
	assert.Equal(t, "Receipts", args["a2"].Vars[model.FieldLabel]["var1"])

	_, err = ParseAIArgs(`{"REPLY-a1": {"content": 5}}`, actions)
	assert.Error(t, err)
}

func TestActionItemsEndToEnd(t *testing.T) {
	client := &fakeLLM{
		toolResponse: `{"REPLY-a1": {"content": "Hi there"}, "LABEL-a2": {"label": {"var1": "{{Acme}}"}}}`,
		textResponse: "Drafted reply",
	}
	gen := NewArgsGenerator(client, NewDraftGenerator(client), zap.NewNop())

	rule := &model.Rule{
		ID:           "r1",
		Instructions: "Reply to clients",
		Actions: []model.Action{
			{ID: "a1", Type: model.ActionReply, Content: model.Generated(), URL: model.Static("https://leak.example")},
			{ID: "a2", Type: model.ActionLabel, Label: model.Template("Client: {{company}}")},
			{ID: "a3", Type: model.ActionDraftEmail},
		},
	}
	threads := &fakeThreads{messages: []model.ParsedMessage{*testMessage()}}

	items, err := gen.ActionItems(context.Background(), &model.EmailAccount{ID: "acc", Email: "me@example.com"}, testMessage(), rule, threads)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "Hi there", items[0].Content.Value())
	assert.False(t, items[0].URL.IsSet(), "fields outside the allowed set are sanitized")
	// 模型返回的分隔符被折叠
	assert.Equal(t, "Client: {Acme}", items[1].Label.Value())
	assert.Equal(t, "Drafted reply", items[2].Content.Value())

	require.Len(t, client.calls, 2)
	assert.Equal(t, "draft_reply", client.calls[0].operation)
	assert.Equal(t, "choose_args", client.calls[1].operation)
}

func TestActionItemsDraftFailureContinues(t *testing.T) {
	client := &fakeLLM{textResponse: "unused"}
	gen := NewArgsGenerator(client, NewDraftGenerator(client), zap.NewNop())
	rule := &model.Rule{Actions: []model.Action{{ID: "a1", Type: model.ActionDraftEmail}, {ID: "a2", Type: model.ActionArchive}}}

	items, err := gen.ActionItems(context.Background(), &model.EmailAccount{}, testMessage(), rule, &fakeThreads{err: errors.New("gmail down")})
	require.NoError(t, err)
	assert.False(t, items[0].Content.IsSet())
	assert.Equal(t, model.ActionArchive, items[1].Type)
}

func TestActionItemsSkipsLLMForStaticActions(t *testing.T) {
	client := &fakeLLM{}
	gen := NewArgsGenerator(client, NewDraftGenerator(client), zap.NewNop())
	rule := &model.Rule{Actions: []model.Action{{ID: "a1", Type: model.ActionLabel, Label: model.Static("News")}}}

	items, err := gen.ActionItems(context.Background(), &model.EmailAccount{}, testMessage(), rule, nil)
	require.NoError(t, err)
	assert.Equal(t, rule.Actions, items)
	assert.Empty(t, client.calls)
}

func TestParseAIArgsRejectsIncompleteResponse(t *testing.T) {
	actions := []model.Action{
		{ID: "a1", Type: model.ActionReply, Content: model.Generated()},
		{ID: "a2", Type: model.ActionSendEmail, Content: model.Template("Hi {{name}}, {{body}}"), To: model.Static("x@y.z")},
	}
	tests := []struct {
		name string
		raw  string
	}{
		{"missing action", `{"SEND_EMAIL-a2": {"content": {"var1": "A", "var2": "B"}}}`},
		{"missing field", `{"REPLY-a1": {}, "SEND_EMAIL-a2": {"content": {"var1": "A", "var2": "B"}}}`},
		{"empty generated", `{"REPLY-a1": {"content": "  "}, "SEND_EMAIL-a2": {"content": {"var1": "A", "var2": "B"}}}`},
		{"missing var", `{"REPLY-a1": {"content": "ok"}, "SEND_EMAIL-a2": {"content": {"var1": "A"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAIArgs(tt.raw, actions)
			assert.ErrorIs(t, err, ErrIncompleteArgs)
		})
	}
}

func TestActionItemsFailsWhenModelOmitsVar(t *testing.T) {
	client := &fakeLLM{toolResponse: `{"SEND_EMAIL-a1": {"content": {"var1": "Alice"}}}`}
	gen := NewArgsGenerator(client, NewDraftGenerator(client), zap.NewNop())
	rule := &model.Rule{Actions: []model.Action{
		{ID: "a1", Type: model.ActionSendEmail, To: model.Static("x@y.z"), Content: model.Template("Hi {{name}}, {{body}}")},
	}}

	_, err := gen.ActionItems(context.Background(), &model.EmailAccount{}, testMessage(), rule, nil)
	require.ErrorIs(t, err, ErrIncompleteArgs)
}

func TestStaticTextWithStrayBracesSkipsLLM(t *testing.T) {
	client := &fakeLLM{}
	gen := NewArgsGenerator(client, NewDraftGenerator(client), zap.NewNop())
	rule := &model.Rule{Actions: []model.Action{
		{ID: "a1", Type: model.ActionReply, Content: model.ParseFieldValue("Thanks }} talk soon {{")},
	}}

	items, err := gen.ActionItems(context.Background(), &model.EmailAccount{}, testMessage(), rule, nil)
	require.NoError(t, err)
	assert.Equal(t, "Thanks }} talk soon {{", items[0].Content.Value())
	assert.Empty(t, client.calls)
}
