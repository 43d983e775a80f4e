package scorer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// cleanModelOutput 去掉 BOM、markdown 代码块标记和非法 UTF-8
func cleanModelOutput(content string) string {
	content = strings.TrimPrefix(content, "\uFEFF")
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if idx := strings.Index(content, "\n"); idx != -1 {
			content = content[idx+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "")
	}
	return strings.TrimSpace(content)
}

// extractJSON 返回文本中第一个完整的 JSON 对象，忽略字符串字面量里的括号。
// 模型输出被截断时补齐缺失的右括号。
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	var stack []byte
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return ""
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[start : i+1]
			}
		}
	}

	// 截断输出：未闭合的字符串无法安全补齐
	if inStr {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(text[start:], " \t\r\n,"))
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// sanitizeJSON 把字符串字面量内部未转义的双引号改写为 \"。
// 下一个非空白字符是 : , ] } 之一时认为该引号是字符串结尾。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j >= len(src) || src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}' {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString("\\\"")
			}
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
			continue
		default:
			b.WriteByte(c)
		}
		escaped = false
	}
	return b.String()
}

// decodeModelJSON 从模型输出中提取并解析 JSON，失败时修复引号后重试一次。
// 找不到 JSON 时返回 errNoJSON。
func decodeModelJSON(content string, dest interface{}) error {
	jsonStr := extractJSON(cleanModelOutput(content))
	if jsonStr == "" {
		return errNoJSON
	}
	err := json.Unmarshal([]byte(jsonStr), dest)
	if err == nil {
		return nil
	}
	if fixErr := json.Unmarshal([]byte(sanitizeJSON(jsonStr)), dest); fixErr != nil {
		return err
	}
	return nil
}

// flexFloat 兼容模型把数字写成字符串的情况，例如 "72.5"
type flexFloat float64

// UnmarshalJSON 接受数字或数字字符串
func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("无法解析数字 %s", string(data))
	}
	*f = flexFloat(v)
	return nil
}
