package model

import (
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const (
	LabelInbox  = "INBOX"
	LabelSent   = "SENT"
	LabelDraft  = "DRAFT"
	LabelSpam   = "SPAM"
	LabelTrash  = "TRASH"
	LabelUnread = "UNREAD"

	// ActedLabel 已处理线程打的标签
	ActedLabel = "Inbox Zero/Acted"
)

type MessageHeaders struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Cc         string `json:"cc,omitempty"`
	Bcc        string `json:"bcc,omitempty"`
	ReplyTo    string `json:"replyTo,omitempty"`
	Subject    string `json:"subject"`
	Date       string `json:"date"`
	MessageID  string `json:"messageId,omitempty"`
	InReplyTo  string `json:"inReplyTo,omitempty"`
	References string `json:"references,omitempty"`
}

// ParsedMessage 服务商无关的邮件表示，Text 为纯文本或由 HTML 转换的 markdown
type ParsedMessage struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"threadId"`
	LabelIDs     []string       `json:"labelIds"`
	Snippet      string         `json:"snippet"`
	Headers      MessageHeaders `json:"headers"`
	Text         string         `json:"text"`
	HTML         string         `json:"-"`
	InternalDate time.Time      `json:"internalDate"`
}

func (m *ParsedMessage) HasLabel(label string) bool {
	for _, l := range m.LabelIDs {
		if l == label {
			return true
		}
	}
	return false
}

// SenderAddress 发件人邮箱地址（小写），解析失败时返回原值
func (m *ParsedMessage) SenderAddress() string {
	return ExtractEmailAddress(m.Headers.From)
}

// ExtractEmailAddress 从 "Name <a@b.c>" 中取地址
func ExtractEmailAddress(header string) string {
	if addr, err := mail.ParseAddress(header); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(header))
}
