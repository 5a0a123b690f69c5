package ai

import (
	"fmt"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenPlaceholder
)

// Token 模板中的一段：字面量或 {{...}} 占位符
type Token struct {
	Kind TokenKind
	// Text 字面量原文，或占位符去除空白后的提示词
	Text string
	// Raw 占位符原文（含分隔符）
	Raw string
}

// TemplateAST 模板解析结果
type TemplateAST struct {
	Tokens []Token
}

// ParseTemplate 扫描 {{...}}，取最近的 }} 作为结束；未闭合的 {{ 视为字面量
func ParseTemplate(s string) TemplateAST {
	var tokens []Token
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(s); {
		if !strings.HasPrefix(s[i:], openDelim) {
			literal.WriteByte(s[i])
			i++
			continue
		}
		end := strings.Index(s[i+len(openDelim):], closeDelim)
		if end < 0 {
			literal.WriteString(s[i:])
			break
		}
		inner := s[i+len(openDelim) : i+len(openDelim)+end]
		raw := s[i : i+len(openDelim)+end+len(closeDelim)]
		flush()
		tokens = append(tokens, Token{Kind: TokenPlaceholder, Text: strings.TrimSpace(inner), Raw: raw})
		i += len(raw)
	}
	flush()

	return TemplateAST{Tokens: tokens}
}

// Prompts 按出现顺序返回占位符提示词
func (t TemplateAST) Prompts() []string {
	var prompts []string
	for _, tok := range t.Tokens {
		if tok.Kind == TokenPlaceholder {
			prompts = append(prompts, tok.Text)
		}
	}
	return prompts
}

// VarName 第 n 个占位符（从 1 开始）对应的变量名
func VarName(n int) string {
	return fmt.Sprintf("var%d", n)
}

// Reassemble 把占位符替换为 {{var1}}、{{var2}}…
func (t TemplateAST) Reassemble() string {
	var b strings.Builder
	n := 0
	for _, tok := range t.Tokens {
		if tok.Kind == TokenLiteral {
			b.WriteString(tok.Text)
			continue
		}
		n++
		b.WriteString(openDelim + VarName(n) + closeDelim)
	}
	return b.String()
}

// HasPlaceholders 是否含占位符
func (t TemplateAST) HasPlaceholders() bool {
	for _, tok := range t.Tokens {
		if tok.Kind == TokenPlaceholder {
			return true
		}
	}
	return false
}

// MergeTemplateWithVars 用变量替换同名占位符，未提供的占位符保持原样；
// 插入的值中的分隔符被折叠，值边界与相邻文本不会拼出新的分隔符，
// 结果对同一变量表重复合并不再变化
func MergeTemplateWithVars(template string, vars map[string]string) string {
	ast := ParseTemplate(template)
	var out []byte
	// tail 末尾来自插入值的字节数
	tail := 0
	for _, tok := range ast.Tokens {
		if tok.Kind == TokenPlaceholder {
			if v, ok := vars[tok.Text]; ok {
				v = neutralizeDelims(v)
				for len(v) > 0 && len(out) > 0 && isBrace(v[0]) && out[len(out)-1] == v[0] {
					v = v[1:]
				}
				out = append(out, v...)
				tail += len(v)
				continue
			}
		}

		text := tok.Text
		if tok.Kind == TokenPlaceholder {
			text = tok.Raw
		}
		for len(text) > 0 && tail > 0 && isBrace(text[0]) && out[len(out)-1] == text[0] {
			out = out[:len(out)-1]
			tail--
		}
		out = append(out, text...)
		tail = 0
	}
	return string(out)
}

func isBrace(c byte) bool {
	return c == '{' || c == '}'
}

func neutralizeDelims(v string) string {
	for strings.Contains(v, openDelim) || strings.Contains(v, closeDelim) {
		v = strings.ReplaceAll(v, openDelim, "{")
		v = strings.ReplaceAll(v, closeDelim, "}")
	}
	return v
}
