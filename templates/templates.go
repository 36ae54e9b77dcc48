// Package templates renders the engine's outbound email bodies. Templates use
// {{placeholder}} substitution only; rendering fails loudly when a required
// placeholder is missing or an unknown placeholder survives substitution, so
// a half-filled email can never reach a donor or hostel.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Well-known template ids. The engine refuses to start when any of these is
// missing from the registry.
const (
	PledgeConfirmation          = "pledge-confirmation"
	HostelVerification          = "hostel-verification"
	DonorAllocationIntermediate = "donor-allocation-intermediate"
	DonorFinal                  = "donor-final"
	HostelMailto                = "hostel-mailto"
	BatchIntimation             = "batch-intimation"
	BatchMailto                 = "batch-mailto"
)

// RequiredIDs lists every template the engine needs at startup.
var RequiredIDs = []string{
	PledgeConfirmation,
	HostelVerification,
	DonorAllocationIntermediate,
	DonorFinal,
	HostelMailto,
	BatchIntimation,
	BatchMailto,
}

// Template is one email template definition.
type Template struct {
	ID       string   `yaml:"id"`
	Subject  string   `yaml:"subject"`
	HTMLBody string   `yaml:"html_body"`
	Required []string `yaml:"required"`
}

// Rendered is a fully substituted subject and body.
type Rendered struct {
	Subject  string
	HTMLBody string
}

// Registry holds templates by id.
type Registry struct {
	templates map[string]Template
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// NewRegistry builds a registry from explicit definitions.
func NewRegistry(defs ...Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]Template, len(defs))}
	for _, def := range defs {
		if err := r.add(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(def Template) error {
	if def.ID == "" {
		return fmt.Errorf("templates: definition missing id")
	}
	if def.Subject == "" || def.HTMLBody == "" {
		return fmt.Errorf("templates: %s missing subject or body", def.ID)
	}
	referenced := referencedPlaceholders(def.Subject + " " + def.HTMLBody)
	for _, name := range def.Required {
		if !referenced[name] {
			return fmt.Errorf("templates: %s requires %q but never references it", def.ID, name)
		}
	}
	r.templates[def.ID] = def
	return nil
}

func referencedPlaceholders(text string) map[string]bool {
	out := make(map[string]bool)
	for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		out[match[1]] = true
	}
	return out
}

// LoadDir reads every *.yaml file in dir, each defining one template, and
// overlays them on the built-in defaults.
func LoadDir(dir string) (*Registry, error) {
	registry, err := NewRegistry(defaults()...)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return registry, registry.Verify()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("templates: read %s: %w", name, err)
		}
		var def Template
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, err)
		}
		if err := registry.add(def); err != nil {
			return nil, err
		}
	}
	return registry, registry.Verify()
}

// Verify checks that every well-known template id is present.
func (r *Registry) Verify() error {
	var missing []string
	for _, id := range RequiredIDs {
		if _, ok := r.templates[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("templates: missing definitions: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Render substitutes data into the template named by id.
func (r *Registry) Render(id string, data map[string]string) (Rendered, error) {
	def, ok := r.templates[id]
	if !ok {
		return Rendered{}, fmt.Errorf("templates: unknown template %s", id)
	}
	for _, name := range def.Required {
		if strings.TrimSpace(data[name]) == "" {
			return Rendered{}, fmt.Errorf("templates: %s missing required placeholder %q", id, name)
		}
	}
	subject, err := substitute(id, def.Subject, data)
	if err != nil {
		return Rendered{}, err
	}
	body, err := substitute(id, def.HTMLBody, data)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, HTMLBody: body}, nil
}

func substitute(id, text string, data map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := data[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("templates: %s left placeholders unfilled: %s", id, strings.Join(missing, ", "))
	}
	return out, nil
}
