package services

import (
	"sort"
	"testing"
)

func TestRenderTemplate_Substitution(t *testing.T) {
	data := map[string]interface{}{
		"first_name": "Priya",
		"stage":      "enquiry",
		"amount":     125.5,
	}

	out := RenderTemplate("Hello {{first_name}}", "Stage: {{ stage }}, owed {{amount}}", data)
	if out.Subject != "Hello Priya" {
		t.Errorf("subject = %q", out.Subject)
	}
	if out.Body != "Stage: enquiry, owed 125.5" {
		t.Errorf("body = %q", out.Body)
	}
	if len(out.Unresolved) != 0 {
		t.Errorf("unexpected unresolved tokens: %v", out.Unresolved)
	}
}

func TestRenderTemplate_UnknownTokensLeftInPlace(t *testing.T) {
	out := RenderTemplate("Hi {{first_name}}", "Case {{case_number}} for {{first_name}}", map[string]interface{}{
		"first_name": "Sam",
	})
	if out.Subject != "Hi Sam" {
		t.Errorf("subject = %q", out.Subject)
	}
	if out.Body != "Case {{case_number}} for Sam" {
		t.Errorf("body = %q", out.Body)
	}
	sort.Strings(out.Unresolved)
	if len(out.Unresolved) != 1 || out.Unresolved[0] != "case_number" {
		t.Errorf("unresolved = %v", out.Unresolved)
	}
}

func TestRenderTemplate_Idempotent(t *testing.T) {
	data := map[string]interface{}{"name": "Jo", "stage": "assessment"}
	subject := "Update for {{name}}"
	body := "You are now at {{stage}}. Contact {{owner}} with questions."

	first := RenderTemplate(subject, body, data)
	second := RenderTemplate(first.Subject, first.Body, data)

	if first.Subject != second.Subject || first.Body != second.Body {
		t.Errorf("second render changed output:\nfirst:  %q / %q\nsecond: %q / %q",
			first.Subject, first.Body, second.Subject, second.Body)
	}
}

func TestRenderTemplate_NilValueUnresolved(t *testing.T) {
	out := RenderTemplate("{{x}}", "", map[string]interface{}{"x": nil})
	if out.Subject != "{{x}}" {
		t.Errorf("subject = %q, want token left in place", out.Subject)
	}
	if len(out.Unresolved) != 1 {
		t.Errorf("unresolved = %v", out.Unresolved)
	}
}
