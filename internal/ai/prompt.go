package ai

import (
	"fmt"
	"strings"

	"inboxzero/internal/model"
)

const maxEmailContentLength = 2000

// StringifyEmail 生成提示词中的邮件块
func StringifyEmail(m *model.ParsedMessage, maxLength int) string {
	var b strings.Builder
	b.WriteString("<email>\n")
	fmt.Fprintf(&b, "From: %s\n", m.Headers.From)
	if m.Headers.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply to: %s\n", m.Headers.ReplyTo)
	}
	if m.Headers.To != "" {
		fmt.Fprintf(&b, "To: %s\n", m.Headers.To)
	}
	if m.Headers.Cc != "" {
		fmt.Fprintf(&b, "CC: %s\n", m.Headers.Cc)
	}
	if m.Headers.Date != "" {
		fmt.Fprintf(&b, "Date: %s\n", m.Headers.Date)
	}
	fmt.Fprintf(&b, "Subject: %s\n", m.Headers.Subject)

	body := m.Snippet
	if body == "" {
		body = m.Text
	}
	fmt.Fprintf(&b, "Body: %s\n", truncate(strings.TrimSpace(body), maxLength))
	b.WriteString("</email>")
	return b.String()
}

// StringifyThread 按时间顺序拼接线程内的邮件，正文用完整内容
func StringifyThread(messages []model.ParsedMessage, maxLength int) string {
	var b strings.Builder
	for i := range messages {
		m := messages[i]
		if m.Text != "" {
			m.Snippet = ""
		}
		b.WriteString(StringifyEmail(&m, maxLength))
		b.WriteString("\n")
	}
	return b.String()
}

func userAboutBlock(about string) string {
	if strings.TrimSpace(about) == "" {
		return ""
	}
	return fmt.Sprintf("\n<user_info>\n%s\n</user_info>\n", strings.TrimSpace(about))
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

// stripCodeFence 去掉模型偶尔包裹的 ```json 代码块
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
