// Package template holds the named message templates and renders them with
// caller supplied variables.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lalithlochan/courier/internal/domain"
)

var (
	ErrTemplateNotFound = errors.New("template not found")

	// ErrInvalidVariables is the umbrella for every variable validation failure.
	ErrInvalidVariables = errors.New("invalid template variables")
	ErrMissingVariable  = fmt.Errorf("%w: missing required variable", ErrInvalidVariables)
	ErrInvalidVariable  = fmt.Errorf("%w: unsupported variable value", ErrInvalidVariables)
)

// Template is a named subject/content pair with {{var}} placeholders.
type Template struct {
	Name              string
	Type              domain.Type
	Subject           string
	Content           string
	RequiredVariables []string
}

// Rendered is a template after substitution.
type Rendered struct {
	Name    string
	Type    domain.Type
	Subject string
	Content string
}

// Registry is a concurrency-safe set of templates keyed by name.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry returns a registry seeded with the given templates.
func NewRegistry(templates ...Template) *Registry {
	r := &Registry{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		r.templates[t.Name] = t
	}
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
}

// Get looks a template up by name.
func (r *Registry) Get(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return t, nil
}

// Names returns the registered template names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Renderer substitutes variables into registry templates.
type Renderer struct {
	registry *Registry
}

func NewRenderer(registry *Registry) *Renderer {
	return &Renderer{registry: registry}
}

// Render validates vars against the named template and substitutes them.
func (r *Renderer) Render(name string, vars map[string]any) (*Rendered, error) {
	t, err := r.registry.Get(name)
	if err != nil {
		return nil, err
	}

	values, err := ValidateVariables(t, vars)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}

	return &Rendered{
		Name:    t.Name,
		Type:    t.Type,
		Subject: substitute(t.Subject, values),
		Content: substitute(t.Content, values),
	}, nil
}

// ValidateVariables checks that every required variable is present and that
// all supplied values are scalars. It returns the values as strings.
func ValidateVariables(t Template, vars map[string]any) (map[string]string, error) {
	var missing []string
	for _, name := range t.RequiredVariables {
		v, ok := vars[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}

	values := make(map[string]string, len(vars))
	for name, v := range vars {
		s, ok := scalarString(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s has type %T", ErrInvalidVariable, name, v)
		}
		values[name] = s
	}
	return values, nil
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// substitute replaces {{name}} with its value. Unknown placeholders render empty.
func substitute(text string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return values[name]
	})
}
