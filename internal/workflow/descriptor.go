package workflow

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed pipelines.yaml
var builtinPipelines []byte

// Stage describes one child process of a pipeline
type Stage struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`

	// Artifact is the run-state key the stage's output path is recorded under
	Artifact string   `yaml:"artifact"`
	Argv     []string `yaml:"argv"`

	// Options holds arguments appended only when the named variable is set
	Options map[string][]string `yaml:"options,omitempty"`

	// SkipFlag names the caller flag that suppresses this stage
	SkipFlag string `yaml:"skip_flag,omitempty"`

	// CollectItems gathers #N references from the stage's stdout
	CollectItems bool `yaml:"collect_items,omitempty"`
}

// Pipeline is an ordered list of stages sharing one run
type Pipeline struct {
	Name        string  `yaml:"-"`
	Description string  `yaml:"description"`
	Merge       bool    `yaml:"merge"`
	Stages      []Stage `yaml:"stages"`
}

type pipelineFile struct {
	Pipelines map[string]*Pipeline `yaml:"pipelines"`
}

// Pipelines is the set of known pipelines by name
type Pipelines map[string]*Pipeline

// Get returns the named pipeline
func (ps Pipelines) Get(name string) (*Pipeline, error) {
	p, ok := ps[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q (known: %s)", name, strings.Join(ps.Names(), ", "))
	}
	return p, nil
}

// Names returns the pipeline names in sorted order
func (ps Pipelines) Names() []string {
	names := make([]string, 0, len(ps))
	for n := range ps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadPipelines parses the built-in pipelines and, when overridePath names an
// existing file, replaces or adds the pipelines it defines.
func LoadPipelines(overridePath string) (Pipelines, error) {
	ps, err := parsePipelines(builtinPipelines)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in pipelines: %w", err)
	}
	if overridePath == "" {
		return ps, nil
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ps, nil
		}
		return nil, fmt.Errorf("reading %s: %w", overridePath, err)
	}
	overrides, err := parsePipelines(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", overridePath, err)
	}
	for name, p := range overrides {
		ps[name] = p
	}
	return ps, nil
}

func parsePipelines(data []byte) (Pipelines, error) {
	var f pipelineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	ps := make(Pipelines, len(f.Pipelines))
	for name, p := range f.Pipelines {
		if p == nil {
			return nil, fmt.Errorf("pipeline %q is empty", name)
		}
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}
		ps[name] = p
	}
	return ps, nil
}

// Validate checks that every stage can be run and reported
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.Name)
	}
	seen := make(map[string]bool)
	for i, s := range p.Stages {
		switch {
		case s.Name == "":
			return fmt.Errorf("pipeline %q stage %d has no name", p.Name, i+1)
		case seen[s.Name]:
			return fmt.Errorf("pipeline %q repeats stage %q", p.Name, s.Name)
		case s.Label == "":
			return fmt.Errorf("pipeline %q stage %q has no label", p.Name, s.Name)
		case s.Artifact == "":
			return fmt.Errorf("pipeline %q stage %q has no artifact key", p.Name, s.Name)
		case len(s.Argv) == 0:
			return fmt.Errorf("pipeline %q stage %q has no argv", p.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Expand substitutes placeholders in the stage's argv. Options whose
// variable is unset are left out.
func (s Stage) Expand(vars map[string]string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	argv := make([]string, 0, len(s.Argv))
	for _, a := range s.Argv {
		argv = append(argv, r.Replace(a))
	}

	// Sorted so the command line is stable
	names := make([]string, 0, len(s.Options))
	for n := range s.Options {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if vars[n] == "" {
			continue
		}
		for _, a := range s.Options[n] {
			argv = append(argv, r.Replace(a))
		}
	}
	return argv
}
