// Package transform runs the parameterised SQL scripts that move staged
// rows into the mart.
package transform

import (
	"fmt"
	"strings"
)

// Render substitutes {name} placeholders in tmpl with params.
// "{{" and "}}" produce literal braces. A placeholder with no parameter,
// an empty placeholder or an unbalanced brace is an error.
func Render(tmpl string, params map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed '{' at offset %d", i)
			}
			name := strings.TrimSpace(tmpl[i+1 : i+1+end])
			if name == "" || strings.ContainsAny(name, "{\n") {
				return "", fmt.Errorf("bad placeholder at offset %d", i)
			}
			v, ok := params[name]
			if !ok {
				return "", fmt.Errorf("unknown placeholder {%s}", name)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
