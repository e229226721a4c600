package locator

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed locators.yaml
var defaultTableYAML []byte

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// KeywordGroup adds Weight when every keyword appears in the element label.
type KeywordGroup struct {
	All    []string `yaml:"all"`
	Weight int      `yaml:"weight"`
}

// AttributeRule adds Weight when an attribute equals or contains a value.
type AttributeRule struct {
	Name     string `yaml:"name"`
	Equals   string `yaml:"equals,omitempty"`
	Contains string `yaml:"contains,omitempty"`
	Weight   int    `yaml:"weight"`
}

// AnchorRule adds Weight when the element is within MaxDistance pixels of the
// first visible match of Query.
type AnchorRule struct {
	Query       string  `yaml:"query"`
	MaxDistance float64 `yaml:"max_distance"`
	Weight      int     `yaml:"weight"`
}

// ScoreRules validates a match heuristically. The weights were tuned against
// one revision of the target page; they are data, not logic.
type ScoreRules struct {
	Threshold  int             `yaml:"threshold"`
	Groups     []KeywordGroup  `yaml:"groups"`
	Negative   []KeywordGroup  `yaml:"negative"`
	Attributes []AttributeRule `yaml:"attributes"`
	Anchor     *AnchorRule     `yaml:"anchor"`
}

// Spec is the locator spec for one logical target.
type Spec struct {
	Name       string      `yaml:"-"`
	Candidates []string    `yaml:"candidates"`
	Score      *ScoreRules `yaml:"score"`
}

// WithValue returns a copy with "{value}" substituted in every candidate.
func (s Spec) WithValue(value string) Spec {
	out := s
	out.Candidates = make([]string, len(s.Candidates))
	for i, c := range s.Candidates {
		out.Candidates[i] = strings.ReplaceAll(c, "{value}", escapeXPathLiteral(value))
	}
	return out
}

// escapeXPathLiteral drops single quotes, which cannot appear inside a
// single-quoted XPath 1.0 literal.
func escapeXPathLiteral(v string) string {
	return strings.ReplaceAll(v, "'", "")
}

// Panel describes a transient panel for the overlay dismisser.
type Panel struct {
	Name          string   `yaml:"-"`
	Markers       []string `yaml:"markers"`
	Close         []string `yaml:"close"` // target names of explicit close controls
	Backdrops     []string `yaml:"backdrops"`
	EscapePresses int      `yaml:"escape_presses"`
}

// Completion lists the queries the completion waiter polls.
type Completion struct {
	InProgress []string `yaml:"in_progress"`
	Done       []string `yaml:"done"`
}

// Table maps logical names to specs and panels.
type Table struct {
	Targets    map[string]Spec  `yaml:"targets"`
	Panels     map[string]Panel `yaml:"panels"`
	Completion Completion       `yaml:"completion"`
}

// ParseTable parses a YAML locator table and checks it is usable.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse locator table: %w", err)
	}
	for name, spec := range t.Targets {
		if len(spec.Candidates) == 0 {
			return nil, fmt.Errorf("locator table: target %q has no candidates", name)
		}
		spec.Name = name
		t.Targets[name] = spec
	}
	for name, panel := range t.Panels {
		if len(panel.Markers) == 0 {
			return nil, fmt.Errorf("locator table: panel %q has no markers", name)
		}
		for _, target := range panel.Close {
			if _, ok := t.Targets[target]; !ok {
				return nil, fmt.Errorf("locator table: panel %q references unknown target %q", name, target)
			}
		}
		panel.Name = name
		t.Panels[name] = panel
	}
	return &t, nil
}

// LoadTableFile reads a table from disk.
func LoadTableFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read locator table %s: %w", path, err)
	}
	return ParseTable(data)
}

// DefaultTable returns the embedded table. It is parsed once.
func DefaultTable() (*Table, error) {
	defaultOnce.Do(func() {
		defaultTable, defaultErr = ParseTable(defaultTableYAML)
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return defaultTable.clone(), nil
}

// DefaultTableYAML returns the raw embedded table.
func DefaultTableYAML() []byte {
	return append([]byte(nil), defaultTableYAML...)
}

func (t *Table) clone() *Table {
	out := &Table{
		Targets:    make(map[string]Spec, len(t.Targets)),
		Panels:     make(map[string]Panel, len(t.Panels)),
		Completion: t.Completion,
	}
	for k, v := range t.Targets {
		if v.Score != nil {
			score := *v.Score
			v.Score = &score
		}
		out.Targets[k] = v
	}
	for k, v := range t.Panels {
		out.Panels[k] = v
	}
	return out
}

// Spec returns the spec for target.
func (t *Table) Spec(target string) (Spec, error) {
	spec, ok := t.Targets[target]
	if !ok {
		return Spec{}, fmt.Errorf("unknown locator target %q", target)
	}
	return spec, nil
}

// Panel returns the panel named name.
func (t *Table) Panel(name string) (Panel, error) {
	panel, ok := t.Panels[name]
	if !ok {
		return Panel{}, fmt.Errorf("unknown panel %q", name)
	}
	return panel, nil
}

// WithThresholds overrides scoring thresholds per target. Targets without
// scoring rules are ignored.
func (t *Table) WithThresholds(thresholds map[string]int) *Table {
	for name, threshold := range thresholds {
		spec, ok := t.Targets[name]
		if !ok || spec.Score == nil {
			continue
		}
		score := *spec.Score
		score.Threshold = threshold
		spec.Score = &score
		t.Targets[name] = spec
	}
	return t
}

// Names returns the target names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.Targets))
	for name := range t.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
