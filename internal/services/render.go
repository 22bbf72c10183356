package services

import (
	"fmt"
	"regexp"
)

// placeholderPattern matches {{ key }} tokens. Keys are word characters
// only; whitespace inside the braces is tolerated.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// RenderedEmail is the output of rendering one template for one recipient.
// Unresolved lists tokens that had no value and were left in place, for
// diagnostics only.
type RenderedEmail struct {
	Subject    string
	Body       string
	Unresolved []string
}

// RenderTemplate substitutes {{key}} tokens in subject and body from data.
// Unknown keys are left as literal tokens rather than erroring, so a partial
// render stays visible for debugging. Rendering already-substituted text is
// a no-op, which makes the function idempotent on its own output.
func RenderTemplate(subject, body string, data map[string]interface{}) RenderedEmail {
	missing := map[string]struct{}{}
	out := RenderedEmail{
		Subject: renderString(subject, data, missing),
		Body:    renderString(body, data, missing),
	}
	for key := range missing {
		out.Unresolved = append(out.Unresolved, key)
	}
	return out
}

func renderString(s string, data map[string]interface{}, missing map[string]struct{}) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		val, ok := data[key]
		if !ok || val == nil {
			missing[key] = struct{}{}
			return token
		}
		return fmt.Sprintf("%v", val)
	})
}
