// Package recipe loads quantization recipes and resolves them per operator.
//
// A recipe is an ordered list of rules. A rule matches an operator when its
// regex matches the operator name and its operation is the operator kind or
// "*". The last matching rule wins.
package recipe

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mantleq/pkg/quant"
)

// Wildcard is the operation that matches every operator kind.
const Wildcard = "*"

// Rule is one recipe entry.
type Rule struct {
	Regex     string   `json:"regex" yaml:"regex"`
	Operation string   `json:"operation" yaml:"operation"`
	Algorithm string   `json:"algorithm_key" yaml:"algorithm_key"`
	Config    OpConfig `json:"op_config" yaml:"op_config"`

	re *regexp.Regexp
}

// Recipe is a named, compiled rule list.
type Recipe struct {
	Name  string
	Rules []Rule
}

// Resolved is the outcome of resolving one operator.
type Resolved struct {
	Config    OpConfig
	Algorithm string
	// Wildcard is set when the winning rule used operation "*". Such rules
	// only apply to operators that support the configuration.
	Wildcard bool
	Rule     int
}

// New compiles and validates rules.
func New(name string, rules []Rule) (*Recipe, error) {
	r := &Recipe{Name: name, Rules: slices.Clone(rules)}
	for i := range r.Rules {
		rule := &r.Rules[i]
		if rule.Regex == "" {
			rule.Regex = ".*"
		}
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: rule %d: %w", name, i, err)
		}
		rule.re = re
		if rule.Operation == "" {
			rule.Operation = Wildcard
		}
		rule.Operation = strings.ToUpper(rule.Operation)
		if rule.Algorithm == "" {
			rule.Algorithm = quant.AlgorithmMinMax
		}
		if _, err := quant.ByName(rule.Algorithm); err != nil {
			return nil, fmt.Errorf("recipe %s: rule %d: %w", name, i, err)
		}
		if err := rule.Config.Validate(); err != nil {
			return nil, fmt.Errorf("recipe %s: rule %d: %w", name, i, err)
		}
	}
	return r, nil
}

// Parse decodes a rule list. YAML is accepted when yamlInput is set,
// otherwise the input must be JSON.
func Parse(name string, data []byte, yamlInput bool) (*Recipe, error) {
	var rules []Rule
	if yamlInput {
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("recipe %s: %w", name, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rules); err != nil {
			return nil, fmt.Errorf("recipe %s: %w", name, err)
		}
	}
	return New(name, rules)
}

// Load reads a recipe file. The recipe is named after the file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: read %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.TrimSuffix(name, "_recipe")
	return Parse(name, data, ext == ".yaml" || ext == ".yml")
}

// Resolve returns the configuration of the last rule matching the operator.
func (r *Recipe) Resolve(opName, opKind string) (Resolved, bool) {
	for i := len(r.Rules) - 1; i >= 0; i-- {
		rule := &r.Rules[i]
		if rule.Operation != Wildcard && rule.Operation != opKind {
			continue
		}
		if !rule.re.MatchString(opName) {
			continue
		}
		return Resolved{
			Config:    rule.Config,
			Algorithm: rule.Algorithm,
			Wildcard:  rule.Operation == Wildcard,
			Rule:      i,
		}, true
	}
	return Resolved{}, false
}

// MarshalJSON writes the rule list in the file format Parse reads.
func (r *Recipe) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Rules)
}

//go:embed recipes/*.json
var builtinFS embed.FS

// Builtins lists the names of the embedded recipes.
func Builtins() []string {
	entries, err := builtinFS.ReadDir("recipes")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	slices.Sort(names)
	return names
}

// Builtin returns an embedded recipe by name.
func Builtin(name string) (*Recipe, error) {
	data, err := builtinFS.ReadFile("recipes/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("recipe: no built-in recipe %q", name)
	}
	return Parse(name, data, false)
}

// Open resolves a recipe reference: a built-in name or a file path.
func Open(ref string) (*Recipe, error) {
	if slices.Contains(Builtins(), ref) {
		return Builtin(ref)
	}
	return Load(ref)
}
