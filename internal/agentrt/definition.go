// Package agentrt implements C6: the agent runtime. It loads an
// AgentDefinition from a markdown file, runs the ~1s main loop described in
// spec.md §4.6.1 that classifies and routes incoming NatsRequests, and
// drives task-mode/ask-mode turns through the shared C1 fabric, C2 store,
// and C5 bus client. The single-slot-plus-FIFO-queue agentic dispatch is
// grounded on the teacher's pkg/swarm/runtime.NodeActor run loop, adapted
// from one-shot completion to a persistent pump that distinguishes
// safe-quick/disruptive/agentic traffic instead of running exactly one
// task per process lifetime.
package agentrt

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentDefinition is spec.md §3's AgentDefinition entity, loaded from a
// markdown file with a YAML front-matter block. The three named sections
// map onto the prompt niffler sends depending on the conversation's mode;
// a definition with no Plan/Code sections falls back to Common for both.
type AgentDefinition struct {
	Name           string
	Description    string
	Model          string
	AllowedTools   []string
	CommonPrompt   string
	PlanPrompt     string
	CodePrompt     string
}

type definitionFrontMatter struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Model        string   `yaml:"model"`
	AllowedTools []string `yaml:"allowed_tools"`
}

const (
	commonHeading = "# Common System Prompt"
	planHeading   = "# Plan Mode Prompt"
	codeHeading   = "# Code Mode Prompt"
)

// LoadDefinition reads and parses path, following the teacher's
// SKILL.md-style "---\nyaml\n---\nmarkdown" front-matter convention from
// pkg/skills (name/description keys), extended with model and
// allowed_tools fields this spec's AgentDefinition requires.
func LoadDefinition(path string) (*AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentrt: reading %s: %w", path, err)
	}

	front, body, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("agentrt: parsing front matter in %s: %w", path, err)
	}

	var fm definitionFrontMatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("agentrt: invalid front matter in %s: %w", path, err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("agentrt: %s: front matter missing required 'name'", path)
	}

	sections := splitSections(body)
	def := &AgentDefinition{
		Name:         fm.Name,
		Description:  fm.Description,
		Model:        fm.Model,
		AllowedTools: fm.AllowedTools,
		CommonPrompt: strings.TrimSpace(sections[commonHeading]),
		PlanPrompt:   strings.TrimSpace(sections[planHeading]),
		CodePrompt:   strings.TrimSpace(sections[codeHeading]),
	}
	if def.PlanPrompt == "" {
		def.PlanPrompt = def.CommonPrompt
	}
	if def.CodePrompt == "" {
		def.CodePrompt = def.CommonPrompt
	}
	return def, nil
}

// SystemPrompt resolves the prompt text for a conversation mode: PlanPrompt
// for "plan", CodePrompt for any other mode. Each of those already holds
// the common prompt when its own section was absent at load time.
func (d *AgentDefinition) SystemPrompt(mode string) string {
	if mode == "plan" {
		return d.PlanPrompt
	}
	return d.CodePrompt
}

// AllowsTool reports whether name is in the agent's allow-list. An empty
// list means unrestricted, matching internal/toolworker's convention.
func (d *AgentDefinition) AllowsTool(name string) bool {
	if len(d.AllowedTools) == 0 {
		return true
	}
	for _, t := range d.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

func splitFrontMatter(content string) (front, body string, err error) {
	const delim = "---"
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != delim {
		return "", "", fmt.Errorf("missing opening %q delimiter", delim)
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delim {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("missing closing %q delimiter", delim)
}

// splitSections partitions body by the three recognized "# Heading" lines.
// Text before the first recognized heading is discarded (spec.md treats
// the definition as config, not free-form prose).
func splitSections(body string) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	current := ""
	var buf strings.Builder
	flush := func() {
		if current != "" {
			out[current] = buf.String()
		}
		buf.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == commonHeading || trimmed == planHeading || trimmed == codeHeading {
			flush()
			current = trimmed
			continue
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return out
}
