package util

import "testing"

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Hi {{name}}, ref {{ref}}", map[string]string{"name": "Ana", "ref": "42"})
	if got != "Hi Ana, ref 42" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderTemplateMissingVarIsEmpty(t *testing.T) {
	got := RenderTemplate("Hi {{name}}!", nil)
	if got != "Hi !" {
		t.Fatalf("expected missing var to render empty, got %q", got)
	}
}

func TestRenderTemplateWhitespaceInBraces(t *testing.T) {
	got := RenderTemplate("Hi {{ name }}", map[string]string{"name": "Bo"})
	if got != "Hi Bo" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderTemplateWithDefaults(t *testing.T) {
	vars := map[string]string{"name": "Ana"}
	defaults := map[string]string{"name": "friend", "city": "Lisbon"}

	got := RenderTemplateWithDefaults("{{name}} from {{city}}", vars, defaults)
	if got != "Ana from Lisbon" {
		t.Fatalf("expected vars to win over defaults, got %q", got)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		" +1 555 000 1234 ": "+15550001234",
		"+15550001234":      "+15550001234",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIDPrefixes(t *testing.T) {
	if id := NewMessageID(); len(id) < 5 || id[:4] != "msg_" {
		t.Fatalf("unexpected message id %q", id)
	}
	if id := NewCampaignID(); id[:5] != "camp_" {
		t.Fatalf("unexpected campaign id %q", id)
	}
	if NewScheduleID() == NewScheduleID() {
		t.Fatalf("expected unique schedule ids")
	}
}
