package patternmatch

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// AgentPatterns is the per-agent PENDING/WORKING regex set (spec §4.1's
// table). Patterns are evaluated in order; the first match wins within its
// class.
type AgentPatterns struct {
	Pending []*regexp.Regexp
	Working []*regexp.Regexp
}

// defaultTable is the static starting set from spec §4.1, generalized from
// the teacher's single-agent (claude) detector into the table-driven form
// the spec specifies for claude/codex/gemini. codex and gemini are carried
// forward as named extension points (spec §9 Open Questions).
func defaultTable() map[string]AgentPatterns {
	return map[string]AgentPatterns{
		"claude": {
			Pending: []*regexp.Regexp{
				regexp.MustCompile(`❯\s*\d+\.\s+`),
			},
			Working: []*regexp.Regexp{
				regexp.MustCompile(`esc to interrupt`),
			},
		},
		"codex": {
			Pending: []*regexp.Regexp{
				regexp.MustCompile(`(?i)yes/no`),
				regexp.MustCompile(`▌\s+Yes\s+No`),
			},
			Working: []*regexp.Regexp{
				regexp.MustCompile(`esc to interrupt`),
			},
		},
		"gemini": {
			Pending: []*regexp.Regexp{
				regexp.MustCompile(`●\s*\d+\.\s*Yes`),
			},
			Working: []*regexp.Regexp{
				regexp.MustCompile(`esc to cancel`),
			},
		},
	}
}

// rawOverrideFile is the on-disk shape of the optional pattern override
// file (~/.tallr/patterns.yaml): additional regex strings merged (appended)
// onto the built-in table per agent, so operators can extend or correct
// detection without a rebuild.
type rawOverrideFile struct {
	Agents map[string]struct {
		Pending []string `yaml:"pending"`
		Working []string `yaml:"working"`
	} `yaml:"agents"`
}

// Table is the mutable, process-wide pattern table: the static defaults
// merged with an optional YAML override file.
type Table struct {
	mu     sync.RWMutex
	agents map[string]AgentPatterns
}

// NewTable builds a Table from the built-in defaults.
func NewTable() *Table {
	return &Table{agents: defaultTable()}
}

// LoadOverrides merges additional patterns from a YAML file at path into
// the table. A missing file is not an error (the override is optional);
// a malformed file is.
func (t *Table) LoadOverrides(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading pattern override file: %w", err)
	}

	var raw rawOverrideFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing pattern override file: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for agent, set := range raw.Agents {
		entry := t.agents[agent]
		for _, p := range set.Pending {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("agent %s: invalid pending pattern %q: %w", agent, p, err)
			}
			entry.Pending = append(entry.Pending, re)
		}
		for _, p := range set.Working {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("agent %s: invalid working pattern %q: %w", agent, p, err)
			}
			entry.Working = append(entry.Working, re)
		}
		t.agents[agent] = entry
	}
	return nil
}

// For returns the pattern set for agent, and whether the agent is known.
// An unknown agent gets a zero-value AgentPatterns and false; Classify then
// returns nil, so the State Tracker makes no pattern-sourced transition for
// that session.
func (t *Table) For(agent string) (AgentPatterns, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.agents[agent]
	return p, ok
}
