package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ParameterType is the declared type of a template parameter.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamBoolean ParameterType = "boolean"
	ParamInteger ParameterType = "integer"
)

// IsValid returns true if the type is known.
func (t ParameterType) IsValid() bool {
	switch t {
	case ParamString, ParamBoolean, ParamInteger:
		return true
	default:
		return false
	}
}

// TemplateParameter declares one input of a TaskTemplate.
// Fields are ordered to minimize memory padding.
type TemplateParameter struct {
	DefaultValue *string       `json:"defaultValue,omitempty" yaml:"default,omitempty"`
	Name         string        `json:"name" yaml:"name"`
	Type         ParameterType `json:"type" yaml:"type"`
	Pattern      string        `json:"pattern,omitempty" yaml:"pattern,omitempty"` // Anchored regular expression
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	Required     bool          `json:"required" yaml:"required"`
}

// TaskTemplate is a reusable, parameterized instruction set.
// Fields are ordered to minimize memory padding.
type TaskTemplate struct {
	Created              time.Time           `json:"created" yaml:"-"`
	LastUsedAt           time.Time           `json:"lastUsedAt,omitempty" yaml:"-"`
	Parameters           []TemplateParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Scope                string              `json:"scope" yaml:"-"`
	Name                 string              `json:"name" yaml:"name"`
	Description          string              `json:"description,omitempty" yaml:"description,omitempty"`
	InstructionsTemplate string              `json:"instructionsTemplate" yaml:"instructions"`
	Revision             int64               `json:"-" yaml:"-"`
	UsageCount           int                 `json:"usageCount" yaml:"-"`
}

// Parameter returns the declared parameter by name.
func (t *TaskTemplate) Parameter(name string) (TemplateParameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return TemplateParameter{}, false
}

// Clone returns a deep copy of the template.
func (t *TaskTemplate) Clone() *TaskTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.Parameters = slices.Clone(t.Parameters)
	return &c
}

// placeholderPattern matches anything between double braces. Names that are
// not valid parameter names never resolve, so malformed placeholders such as
// {{repo name}} fail instead of leaking into the instructions.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// parameterNamePattern restricts parameter names to identifier-like strings.
var parameterNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Placeholders returns the distinct placeholder names in s, in order of appearance.
func Placeholders(s string) []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// ValidateTemplate checks a template definition before it is stored.
func ValidateTemplate(tpl *TaskTemplate) error {
	if err := ValidateName(tpl.Name); err != nil {
		return fmt.Errorf("template name: %w", err)
	}
	if strings.TrimSpace(tpl.InstructionsTemplate) == "" {
		return InvalidRequestf("template %q has empty instructions", tpl.Name)
	}
	seen := make(map[string]bool, len(tpl.Parameters))
	for _, p := range tpl.Parameters {
		if !parameterNamePattern.MatchString(p.Name) {
			return InvalidRequestf("template %q: invalid parameter name %q", tpl.Name, p.Name)
		}
		if seen[p.Name] {
			return InvalidRequestf("template %q: duplicate parameter %q", tpl.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.IsValid() {
			return InvalidRequestf("template %q: parameter %q has unknown type %q", tpl.Name, p.Name, p.Type)
		}
		if p.Pattern != "" {
			if _, err := compilePattern(p.Pattern); err != nil {
				return InvalidRequestf("template %q: parameter %q pattern: %v", tpl.Name, p.Name, err)
			}
		}
		if p.DefaultValue != nil {
			if err := checkValue(p, *p.DefaultValue); err != nil {
				return InvalidRequestf("template %q: parameter %q default: %v", tpl.Name, p.Name, err)
			}
		}
	}
	var undeclared []string
	for _, name := range Placeholders(tpl.InstructionsTemplate) {
		if !seen[name] {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		return &UnresolvedPlaceholderError{Template: tpl.Name, Placeholders: undeclared}
	}
	return nil
}

// Instantiate renders the template's instructions with params.
//
// A supplied value is used when it parses as the parameter's type and matches
// its pattern. Otherwise the default applies, and a required parameter with
// neither fails with MissingRequiredParameterError. An optional parameter with
// neither stays unresolved, so it only fails the call when the instructions
// reference it. Substitution is a single pass, so substituted values are never
// expanded again. The template itself is not modified.
func Instantiate(tpl *TaskTemplate, params map[string]string) (string, error) {
	values := make(map[string]string, len(tpl.Parameters))
	var rejected []*InvalidParameterError
	for _, p := range tpl.Parameters {
		if v, ok := params[p.Name]; ok {
			err := checkValue(p, v)
			if err == nil {
				values[p.Name] = v
				continue
			}
			invalid := &InvalidParameterError{Template: tpl.Name, Parameter: p.Name, Reason: err.Error()}
			if p.DefaultValue == nil && p.Required {
				return "", &MissingRequiredParameterError{Template: tpl.Name, Parameter: p.Name, Rejected: invalid}
			}
			rejected = append(rejected, invalid)
		}
		switch {
		case p.DefaultValue != nil:
			values[p.Name] = *p.DefaultValue
		case p.Required:
			return "", &MissingRequiredParameterError{Template: tpl.Name, Parameter: p.Name}
		}
	}

	var unresolved []string
	out := placeholderPattern.ReplaceAllStringFunc(tpl.InstructionsTemplate, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := values[name]
		if !ok {
			if !slices.Contains(unresolved, name) {
				unresolved = append(unresolved, name)
			}
			return m
		}
		return v
	})
	if len(unresolved) > 0 {
		rejected = slices.DeleteFunc(rejected, func(r *InvalidParameterError) bool {
			return !slices.Contains(unresolved, r.Parameter)
		})
		return "", &UnresolvedPlaceholderError{Template: tpl.Name, Placeholders: unresolved, Rejected: rejected}
	}
	return out, nil
}

func checkValue(p TemplateParameter, v string) error {
	switch p.Type {
	case ParamBoolean:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("%q is not a boolean", v)
		}
	case ParamInteger:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("%q is not an integer", v)
		}
	}
	if p.Pattern == "" {
		return nil
	}
	re, err := compilePattern(p.Pattern)
	if err != nil {
		return err
	}
	if !re.MatchString(v) {
		return fmt.Errorf("%q does not match %s", v, p.Pattern)
	}
	return nil
}

// compilePattern anchors the pattern so it must match the whole value.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}
