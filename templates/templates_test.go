package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsAreComplete(t *testing.T) {
	registry, err := LoadDir("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	for _, id := range RequiredIDs {
		if _, ok := registry.templates[id]; !ok {
			t.Errorf("missing built-in template %s", id)
		}
	}
}

func TestRenderSubstitutes(t *testing.T) {
	registry, err := LoadDir("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rendered, err := registry.Render(PledgeConfirmation, map[string]string{
		"donor_name": "Asha",
		"pledge_id":  "PLEDGE-2026-7",
		"amount":     "Rs 5,000",
		"chapter":    "Pune",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(rendered.Subject, "PLEDGE-2026-7") {
		t.Errorf("subject = %q", rendered.Subject)
	}
	if !strings.Contains(rendered.HTMLBody, "Asha") || strings.Contains(rendered.HTMLBody, "{{") {
		t.Errorf("body left placeholders: %q", rendered.HTMLBody)
	}
}

func TestRenderMissingRequiredFails(t *testing.T) {
	registry, err := LoadDir("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err = registry.Render(DonorFinal, map[string]string{
		"donor_name": "Asha",
		"alloc_id":   "ALLOC-1",
	})
	if err == nil {
		t.Fatal("expected error for missing amount")
	}
}

func TestRenderUnfilledPlaceholderFails(t *testing.T) {
	registry, err := NewRegistry(Template{
		ID:       "custom",
		Subject:  "Hello {{name}}",
		HTMLBody: "Body {{name}} {{optional_extra}}",
		Required: []string{"name"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := registry.Render("custom", map[string]string{"name": "X"}); err == nil {
		t.Fatal("expected error for unfilled optional_extra")
	}
}

func TestLoadDirOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	override := `id: donor-final
subject: "Done: {{alloc_id}}"
html_body: "All settled, {{donor_name}}. Amount {{amount}}."
required: [donor_name, alloc_id, amount]
`
	if err := os.WriteFile(filepath.Join(dir, "donor-final.yaml"), []byte(override), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	registry, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rendered, err := registry.Render(DonorFinal, map[string]string{
		"donor_name": "Asha", "alloc_id": "ALLOC-9", "amount": "Rs 100",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if rendered.Subject != "Done: ALLOC-9" {
		t.Errorf("subject = %q", rendered.Subject)
	}
}

func TestRegistryRejectsRequiredNotReferenced(t *testing.T) {
	_, err := NewRegistry(Template{
		ID:       "broken",
		Subject:  "Hi",
		HTMLBody: "Body",
		Required: []string{"name"},
	})
	if err == nil {
		t.Fatal("expected error for required placeholder never referenced")
	}
}
