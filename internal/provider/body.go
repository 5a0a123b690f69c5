package provider

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// HTMLToText 将 HTML 正文转为 markdown 纯文本，失败时返回空串
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(md)
}

// fillText 无纯文本正文时由 HTML 生成
func fillText(text, html string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	return HTMLToText(html)
}
