package provider

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"inboxzero/internal/model"
)

// BuildRawMessage 生成 RFC 5322 邮件；replyTo 非空时带线程头
func BuildRawMessage(from string, email OutgoingEmail, replyTo *model.ParsedMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(email.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "UTF-8"})

	if from != "" {
		addrs, err := mail.ParseAddressList(from)
		if err != nil {
			return nil, fmt.Errorf("parse from: %w", err)
		}
		h.SetAddressList("From", addrs)
	}
	for _, field := range []struct {
		key   string
		value string
	}{
		{"To", email.To},
		{"Cc", email.Cc},
		{"Bcc", email.Bcc},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(field.value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", strings.ToLower(field.key), err)
		}
		h.SetAddressList(field.key, addrs)
	}

	if replyTo != nil && replyTo.Headers.MessageID != "" {
		h.Set("In-Reply-To", replyTo.Headers.MessageID)
		refs := strings.TrimSpace(replyTo.Headers.References + " " + replyTo.Headers.MessageID)
		h.Set("References", refs)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, email.Content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReplyEmail 回复：收件人为原邮件 Reply-To 或 From，主题加 Re:，正文附引用
func ReplyEmail(msg *model.ParsedMessage, email OutgoingEmail) OutgoingEmail {
	out := email
	if out.To == "" {
		out.To = msg.Headers.ReplyTo
		if out.To == "" {
			out.To = msg.Headers.From
		}
	}
	if out.Subject == "" {
		out.Subject = replySubject(msg.Headers.Subject)
	}
	out.Content = email.Content + "\r\n\r\n" + quote(msg)
	return out
}

// ForwardEmail 转发：正文附原邮件头与内容
func ForwardEmail(msg *model.ParsedMessage, email OutgoingEmail) OutgoingEmail {
	out := email
	if out.Subject == "" {
		out.Subject = "Fwd: " + msg.Headers.Subject
	}
	var b strings.Builder
	b.WriteString(email.Content)
	b.WriteString("\r\n\r\n---------- Forwarded message ---------\r\n")
	fmt.Fprintf(&b, "From: %s\r\n", msg.Headers.From)
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Headers.Date)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Headers.Subject)
	fmt.Fprintf(&b, "To: %s\r\n\r\n", msg.Headers.To)
	b.WriteString(msg.Text)
	out.Content = b.String()
	return out
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func quote(msg *model.ParsedMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "On %s, %s wrote:\r\n", msg.Headers.Date, msg.Headers.From)
	for _, line := range strings.Split(strings.ReplaceAll(msg.Text, "\r\n", "\n"), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}
