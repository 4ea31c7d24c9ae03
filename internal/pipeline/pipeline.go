// Package pipeline holds the named step sequences a generation run executes,
// together with their output schemas and prompt templates.
package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/validate"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDocument []byte

// LocalFunc computes a local step's output in-process from prior outputs.
type LocalFunc func(data Context) (json.RawMessage, error)

// Context is what prompt templates and local steps see.
type Context struct {
	Pipeline string
	Prompt   string
	// Outputs holds decoded prior step outputs keyed by step name.
	Outputs map[string]any
	// Raw holds the same outputs as compact JSON.
	Raw map[string]json.RawMessage
}

func NewContext(pipelineID, prompt string) Context {
	return Context{
		Pipeline: pipelineID,
		Prompt:   prompt,
		Outputs:  make(map[string]any),
		Raw:      make(map[string]json.RawMessage),
	}
}

// Add records a step's output for later steps.
func (c Context) Add(step string, raw json.RawMessage, value any) {
	c.Raw[step] = raw
	c.Outputs[step] = value
}

type Prompt struct {
	System string
	User   string
}

type templateDoc struct {
	System string `yaml:"system"`
	Prompt string `yaml:"prompt"`
}

type document struct {
	Pipelines []domain.PipelineSpec  `yaml:"pipelines"`
	Schemas   map[string]any         `yaml:"schemas"`
	Templates map[string]templateDoc `yaml:"templates"`
}

type Catalog struct {
	pipelines map[string]domain.PipelineSpec
	schemas   map[string]*validate.Schema
	templates *template.Template
	locals    map[string]LocalFunc
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultDocument)
}

func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines file: %w", err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pipelines: %w", err)
	}

	c := &Catalog{
		pipelines: make(map[string]domain.PipelineSpec),
		schemas:   make(map[string]*validate.Schema),
		templates: template.New("prompts").Funcs(funcs).Option("missingkey=zero"),
		locals:    map[string]LocalFunc{"assemble": Assemble},
	}

	for ref, node := range doc.Schemas {
		raw, err := json.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", ref, err)
		}
		s, err := validate.ParseSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", ref, err)
		}
		c.schemas[ref] = s
	}

	for ref, t := range doc.Templates {
		if strings.TrimSpace(t.Prompt) == "" {
			return nil, fmt.Errorf("template %s: empty prompt", ref)
		}
		if _, err := c.templates.New(ref).Parse(t.Prompt); err != nil {
			return nil, fmt.Errorf("template %s: %w", ref, err)
		}
		if t.System != "" {
			if _, err := c.templates.New(ref + ".system").Parse(t.System); err != nil {
				return nil, fmt.Errorf("template %s.system: %w", ref, err)
			}
		}
	}

	for _, p := range doc.Pipelines {
		if err := c.check(p); err != nil {
			return nil, err
		}
		c.pipelines[p.ID] = p
	}
	return c, nil
}

func (c *Catalog) check(p domain.PipelineSpec) error {
	if p.ID == "" {
		return fmt.Errorf("pipeline without id")
	}
	if _, dup := c.pipelines[p.ID]; dup {
		return fmt.Errorf("pipeline %s: duplicate id", p.ID)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s: no steps", p.ID)
	}
	if p.CreditCost < 0 {
		return fmt.Errorf("pipeline %s: negative credit_cost", p.ID)
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s step %d: missing name", p.ID, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %s: duplicate step %s", p.ID, s.Name)
		}
		seen[s.Name] = true

		if s.MaxRetries < 0 || s.MaxAttempts < 0 {
			return fmt.Errorf("pipeline %s step %s: negative retry budget", p.ID, s.Name)
		}
		if s.OutputSchemaRef != "" {
			if _, ok := c.schemas[s.OutputSchemaRef]; !ok {
				return fmt.Errorf("pipeline %s step %s: unknown schema %q", p.ID, s.Name, s.OutputSchemaRef)
			}
		}

		switch s.Role {
		case domain.RoleChat, domain.RoleImage:
			if c.templates.Lookup(s.PromptTemplateRef) == nil {
				return fmt.Errorf("pipeline %s step %s: unknown template %q", p.ID, s.Name, s.PromptTemplateRef)
			}
		case domain.RoleLocal:
			if _, ok := c.locals[s.PromptTemplateRef]; !ok {
				return fmt.Errorf("pipeline %s step %s: unknown local step %q", p.ID, s.Name, s.PromptTemplateRef)
			}
		default:
			return fmt.Errorf("pipeline %s step %s: unknown role %q", p.ID, s.Name, s.Role)
		}
	}
	return nil
}

// Get returns a copy of the pipeline; callers may keep it for the whole run.
func (c *Catalog) Get(id string) (domain.PipelineSpec, error) {
	p, ok := c.pipelines[id]
	if !ok {
		return domain.PipelineSpec{}, fmt.Errorf("pipeline %q: %w", id, domain.ErrPipelineNotFound)
	}
	p.Steps = append([]domain.Step(nil), p.Steps...)
	return p, nil
}

func (c *Catalog) List() []domain.PipelineSpec {
	out := make([]domain.PipelineSpec, 0, len(c.pipelines))
	for id := range c.pipelines {
		p, _ := c.Get(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Schema returns nil for an empty ref.
func (c *Catalog) Schema(ref string) (*validate.Schema, error) {
	if ref == "" {
		return nil, nil
	}
	s, ok := c.schemas[ref]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", ref)
	}
	return s, nil
}

func (c *Catalog) Render(step domain.Step, data Context) (Prompt, error) {
	var out Prompt

	user, err := c.execute(step.PromptTemplateRef, data)
	if err != nil {
		return out, err
	}
	out.User = user

	if c.templates.Lookup(step.PromptTemplateRef+".system") != nil {
		system, err := c.execute(step.PromptTemplateRef+".system", data)
		if err != nil {
			return out, err
		}
		out.System = system
	}
	return out, nil
}

func (c *Catalog) execute(name string, data Context) (string, error) {
	t := c.templates.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// RunLocal executes a local step.
func (c *Catalog) RunLocal(step domain.Step, data Context) (json.RawMessage, error) {
	fn, ok := c.locals[step.PromptTemplateRef]
	if !ok {
		return nil, fmt.Errorf("unknown local step %q", step.PromptTemplateRef)
	}
	return fn(data)
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
}
