package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullAction(t ActionType) Action {
	delay := 5
	return Action{
		ID:             "a1",
		Type:           t,
		Label:          Static("Newsletter"),
		LabelID:        Static("Label_1"),
		Subject:        Static("Re: hi"),
		Content:        Template("Hi {{name}}"),
		To:             Static("to@example.com"),
		Cc:             Static("cc@example.com"),
		Bcc:            Static("bcc@example.com"),
		URL:            Static("https://example.com/hook"),
		FolderName:     Static("Archive"),
		FolderID:       Static("folder-1"),
		DelayInMinutes: &delay,
	}
}

func TestSanitizeActionFields(t *testing.T) {
	types := []ActionType{
		ActionArchive, ActionLabel, ActionReply, ActionSendEmail, ActionForward,
		ActionDraftEmail, ActionMarkSpam, ActionCallWebhook, ActionMarkRead, ActionMoveFolder,
	}

	for _, typ := range types {
		t.Run(string(typ), func(t *testing.T) {
			in := fullAction(typ)
			out := SanitizeActionFields(in)

			for _, f := range AllFields {
				if typ.Allows(f) {
					assert.Equal(t, in.Get(f), out.Get(f), "field %s must be kept", f)
				} else {
					assert.False(t, out.Get(f).IsSet(), "field %s must be cleared", f)
				}
			}
			assert.Equal(t, in.ID, out.ID)
			assert.Equal(t, in.DelayInMinutes, out.DelayInMinutes)
		})
	}
}

func TestSanitizeLabelKeepsOnlyLabelFields(t *testing.T) {
	out := SanitizeActionFields(fullAction(ActionLabel))

	assert.Equal(t, "Newsletter", out.Label.Value())
	assert.Equal(t, "Label_1", out.LabelID.Value())
	for _, f := range []Field{FieldSubject, FieldContent, FieldTo, FieldCc, FieldBcc, FieldURL} {
		assert.Nil(t, out.Get(f).Raw(), f)
	}
}

func TestParseFieldValue(t *testing.T) {
	tests := []struct {
		raw  string
		kind FieldKind
	}{
		{"", FieldUnset},
		{AIGeneratedFieldValue, FieldGenerated},
		{"Hello {{name}}", FieldTemplate},
		{"Hello {name}", FieldStatic},
		{"plain", FieldStatic},
		{"Thanks }} talk soon {{", FieldStatic},
		{"open {{ only", FieldStatic},
		{"}} then {{x}}", FieldTemplate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, ParseFieldValue(tt.raw).Kind, tt.raw)
	}
}

func TestStaticTextWithStrayBracesKeepsValue(t *testing.T) {
	f := ParseFieldValue("Thanks }} talk soon {{")
	assert.False(t, f.NeedsAI())
	assert.Equal(t, "Thanks }} talk soon {{", f.Value())
}

func TestFieldValueJSON(t *testing.T) {
	a := Action{Type: ActionReply, Content: Generated(), Cc: Static("x@y.z")}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"__AI_GENERATED__"`)
	assert.Contains(t, string(data), `"bcc":null`)

	var back Action
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, FieldGenerated, back.Content.Kind)
	assert.Equal(t, "x@y.z", back.Cc.Value())
	assert.False(t, back.Bcc.IsSet())
}

func TestDelayEligible(t *testing.T) {
	assert.True(t, ActionArchive.DelayEligible())
	assert.False(t, ActionDraftEmail.DelayEligible())
	assert.False(t, ActionType("DIGEST").DelayEligible())
	assert.False(t, ActionType("DIGEST").Valid())
}

func TestExtractEmailAddress(t *testing.T) {
	assert.Equal(t, "jane@example.com", ExtractEmailAddress(`"Jane Doe" <Jane@Example.com>`))
	assert.Equal(t, "not-an-address", ExtractEmailAddress("not-an-address"))
}
