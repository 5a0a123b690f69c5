package model

import (
	"encoding/json"
	"strings"
)

type ActionType string

const (
	ActionArchive     ActionType = "ARCHIVE"
	ActionLabel       ActionType = "LABEL"
	ActionReply       ActionType = "REPLY"
	ActionSendEmail   ActionType = "SEND_EMAIL"
	ActionForward     ActionType = "FORWARD"
	ActionDraftEmail  ActionType = "DRAFT_EMAIL"
	ActionMarkSpam    ActionType = "MARK_SPAM"
	ActionCallWebhook ActionType = "CALL_WEBHOOK"
	ActionMarkRead    ActionType = "MARK_READ"
	ActionMoveFolder  ActionType = "MOVE_FOLDER"
)

// AIGeneratedFieldValue 存储层中表示“由模型生成”的哨兵值
const AIGeneratedFieldValue = "__AI_GENERATED__"

type Field string

const (
	FieldLabel      Field = "label"
	FieldLabelID    Field = "labelId"
	FieldSubject    Field = "subject"
	FieldContent    Field = "content"
	FieldTo         Field = "to"
	FieldCc         Field = "cc"
	FieldBcc        Field = "bcc"
	FieldURL        Field = "url"
	FieldFolderName Field = "folderName"
	FieldFolderID   Field = "folderId"
)

// AllFields 固定顺序，决定 schema 与提示词中的字段顺序
var AllFields = []Field{
	FieldLabel, FieldLabelID, FieldSubject, FieldContent, FieldTo,
	FieldCc, FieldBcc, FieldURL, FieldFolderName, FieldFolderID,
}

var allowedFields = map[ActionType][]Field{
	ActionArchive:     {},
	ActionLabel:       {FieldLabel, FieldLabelID},
	ActionReply:       {FieldContent, FieldCc, FieldBcc},
	ActionSendEmail:   {FieldSubject, FieldContent, FieldTo, FieldCc, FieldBcc},
	ActionForward:     {FieldContent, FieldTo, FieldCc, FieldBcc},
	ActionDraftEmail:  {FieldSubject, FieldContent, FieldTo, FieldCc, FieldBcc},
	ActionMarkSpam:    {},
	ActionCallWebhook: {FieldURL},
	ActionMarkRead:    {},
	ActionMoveFolder:  {FieldFolderName, FieldFolderID},
}

var delayEligible = map[ActionType]bool{
	ActionArchive:     true,
	ActionLabel:       true,
	ActionReply:       true,
	ActionSendEmail:   true,
	ActionForward:     true,
	ActionMarkSpam:    true,
	ActionCallWebhook: true,
	ActionMarkRead:    true,
	ActionMoveFolder:  true,
}

// Valid 是否为已知动作类型
func (t ActionType) Valid() bool {
	_, ok := allowedFields[t]
	return ok
}

// AllowedFields 该类型允许携带的字段
func (t ActionType) AllowedFields() []Field {
	return allowedFields[t]
}

// Allows 字段是否属于该类型
func (t ActionType) Allows(f Field) bool {
	for _, allowed := range allowedFields[t] {
		if allowed == f {
			return true
		}
	}
	return false
}

// DelayEligible 是否可以延迟执行，草稿必须在线程新鲜时生成
func (t ActionType) DelayEligible() bool {
	return delayEligible[t]
}

type FieldKind int

const (
	FieldUnset FieldKind = iota
	FieldStatic
	FieldGenerated
	FieldTemplate
)

// FieldValue 动作字段：静态值、模型生成、或含 {{...}} 的模板
type FieldValue struct {
	Kind FieldKind
	Text string
}

func Static(text string) FieldValue {
	if text == "" {
		return FieldValue{}
	}
	return FieldValue{Kind: FieldStatic, Text: text}
}

func Generated() FieldValue {
	return FieldValue{Kind: FieldGenerated}
}

// Template 不含占位符时退化为静态值
func Template(text string) FieldValue {
	if !hasPlaceholder(text) {
		return Static(text)
	}
	return FieldValue{Kind: FieldTemplate, Text: text}
}

// ParseFieldValue 从存储形式还原字段类型
func ParseFieldValue(raw string) FieldValue {
	switch {
	case raw == "":
		return FieldValue{}
	case raw == AIGeneratedFieldValue:
		return Generated()
	case hasPlaceholder(raw):
		return Template(raw)
	default:
		return Static(raw)
	}
}

// hasPlaceholder 第一个 {{ 之后存在 }} 即为模板，与模板解析器的最近匹配规则一致
func hasPlaceholder(raw string) bool {
	i := strings.Index(raw, "{{")
	return i >= 0 && strings.Contains(raw[i+2:], "}}")
}

// ParseNullableField 读取可空列
func ParseNullableField(raw *string) FieldValue {
	if raw == nil {
		return FieldValue{}
	}
	return ParseFieldValue(*raw)
}

// Raw 存储形式，未设置时为 nil
func (f FieldValue) Raw() *string {
	switch f.Kind {
	case FieldUnset:
		return nil
	case FieldGenerated:
		s := AIGeneratedFieldValue
		return &s
	default:
		s := f.Text
		return &s
	}
}

func (f FieldValue) IsSet() bool {
	return f.Kind != FieldUnset
}

// NeedsAI 需要模型参与生成
func (f FieldValue) NeedsAI() bool {
	return f.Kind == FieldGenerated || f.Kind == FieldTemplate
}

// Value 静态文本，其余类型返回空串
func (f FieldValue) Value() string {
	if f.Kind == FieldStatic {
		return f.Text
	}
	return ""
}

func (f FieldValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Raw())
}

func (f *FieldValue) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = ParseNullableField(raw)
	return nil
}

type Action struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"ruleId,omitempty"`
	Type           ActionType `json:"type"`
	Label          FieldValue `json:"label"`
	LabelID        FieldValue `json:"labelId"`
	Subject        FieldValue `json:"subject"`
	Content        FieldValue `json:"content"`
	To             FieldValue `json:"to"`
	Cc             FieldValue `json:"cc"`
	Bcc            FieldValue `json:"bcc"`
	URL            FieldValue `json:"url"`
	FolderName     FieldValue `json:"folderName"`
	FolderID       FieldValue `json:"folderId"`
	DelayInMinutes *int       `json:"delayInMinutes,omitempty"`
}

func (a *Action) field(f Field) *FieldValue {
	switch f {
	case FieldLabel:
		return &a.Label
	case FieldLabelID:
		return &a.LabelID
	case FieldSubject:
		return &a.Subject
	case FieldContent:
		return &a.Content
	case FieldTo:
		return &a.To
	case FieldCc:
		return &a.Cc
	case FieldBcc:
		return &a.Bcc
	case FieldURL:
		return &a.URL
	case FieldFolderName:
		return &a.FolderName
	case FieldFolderID:
		return &a.FolderID
	}
	return nil
}

// Get 按字段名读取
func (a Action) Get(f Field) FieldValue {
	if p := a.field(f); p != nil {
		return *p
	}
	return FieldValue{}
}

// Set 按字段名写入
func (a *Action) Set(f Field, v FieldValue) {
	if p := a.field(f); p != nil {
		*p = v
	}
}

// NeedsAI 任一字段需要模型生成
func (a Action) NeedsAI() bool {
	for _, f := range AllFields {
		if a.Get(f).NeedsAI() {
			return true
		}
	}
	return false
}

// Delay 延迟分钟数，未设置为 0
func (a Action) Delay() int {
	if a.DelayInMinutes == nil {
		return 0
	}
	return *a.DelayInMinutes
}

// SanitizeActionFields 清空该动作类型不允许的字段
func SanitizeActionFields(a Action) Action {
	out := a
	for _, f := range AllFields {
		if !a.Type.Allows(f) {
			out.Set(f, FieldValue{})
		}
	}
	return out
}
