package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// FailurePolicy decides what a failed step does to the rest of the run.
type FailurePolicy string

const (
	FailStop     FailurePolicy = "stop"
	FailContinue FailurePolicy = "continue"
	FailRetry    FailurePolicy = "retry"
)

// DefaultMaxAttempts bounds retries when the definition does not say.
const DefaultMaxAttempts = 3

// Step is one unit of a workflow definition.
type Step struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title,omitempty"`
	Assign    string   `yaml:"assign,omitempty"`
	Goal      string   `yaml:"goal,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Definition is a declarative workflow loaded from $HUB_DIR/workflows.
type Definition struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	OnFailure   FailurePolicy `yaml:"on_failure,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Steps       []Step        `yaml:"steps"`
}

// Validate checks structural soundness: a name, at least one step, unique
// step ids, and dependencies that reference earlier declared steps.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errdefs.Validationf("workflow definition needs a name")
	}
	if len(d.Steps) == 0 {
		return errdefs.Validationf("workflow %s has no steps", d.Name)
	}
	switch d.OnFailure {
	case "", FailStop, FailContinue, FailRetry:
	default:
		return errdefs.Validationf("workflow %s: unknown on_failure %q", d.Name, d.OnFailure)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return errdefs.Validationf("workflow %s has a step without an id", d.Name)
		}
		if seen[step.ID] {
			return errdefs.Validationf("workflow %s: duplicate step id %s", d.Name, step.ID)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return errdefs.Validationf(
					"workflow %s: step %s depends on %s which is not declared before it",
					d.Name, step.ID, dep)
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// Policy returns the failure policy with its default applied.
func (d *Definition) Policy() FailurePolicy {
	if d.OnFailure == "" {
		return FailStop
	}
	return d.OnFailure
}

// Attempts returns the retry bound with its default applied.
func (d *Definition) Attempts() int {
	if d.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return d.MaxAttempts
}

// Step returns the named step.
func (d *Definition) Step(id string) (Step, bool) {
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

// Parse decodes and validates one YAML definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errdefs.Validationf("malformed workflow definition: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads one definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDir loads every *.yaml definition in dir, keyed by workflow name. A
// missing directory is an empty set, not an error.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Definition{}, nil
		}
		return nil, err
	}
	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.Name]; dup {
			return nil, errdefs.Validationf("duplicate workflow name %s in %s", def.Name, dir)
		}
		defs[def.Name] = def
	}
	return defs, nil
}
