package workflow

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/workflow/prompts"
)

// Prompts holds the stage system prompts with shared sections already
// composed in. Remaining {{NAME}} placeholders are filled per call.
type Prompts struct {
	Ground           string
	Plan             string
	Generate         string
	RepairValidation string
	RepairDatabase   string
	Visualize        string
	Synthesize       string
}

// LoadPrompts loads all stage prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	rules, err := loadPrompt("SQL_RULES.md")
	if err != nil {
		return nil, fmt.Errorf("failed to load SQL_RULES: %w", err)
	}

	p := &Prompts{}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"GROUND", &p.Ground},
		{"PLAN", &p.Plan},
		{"GENERATE", &p.Generate},
		{"REPAIR_VALIDATION", &p.RepairValidation},
		{"REPAIR_DATABASE", &p.RepairDatabase},
		{"VISUALIZE", &p.Visualize},
		{"SYNTHESIZE", &p.Synthesize},
	} {
		raw, err := loadPrompt(f.name + ".md")
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f.name, err)
		}
		*f.dst = strings.ReplaceAll(raw, "{{SQL_RULES}}", rules)
	}
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.FS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// render replaces {{KEY}} placeholders in tmpl.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
