// Package prompt renders model prompts from templates with named slots.
// Slot presence is checked when a template is built, not when it is used, so
// a template missing a required slot fails at startup instead of mid-turn.
package prompt

import (
	"fmt"
	"strings"
)

type Template struct {
	text  string
	slots []string
}

// New builds a template over text, verifying every required slot appears as
// a {slot} placeholder.
func New(text string, slots ...string) (Template, error) {
	for _, slot := range slots {
		if !strings.Contains(text, "{"+slot+"}") {
			return Template{}, fmt.Errorf("prompt template is missing required slot {%s}", slot)
		}
	}
	return Template{text: text, slots: slots}, nil
}

// MustNew is New for package-level template variables.
func MustNew(text string, slots ...string) Template {
	t, err := New(text, slots...)
	if err != nil {
		panic(err)
	}
	return t
}

// Render substitutes every slot value. All declared slots must be present in
// values; extra keys are rejected to catch caller typos.
func (t Template) Render(values map[string]string) (string, error) {
	declared := make(map[string]struct{}, len(t.slots))
	for _, slot := range t.slots {
		declared[slot] = struct{}{}
	}
	for key := range values {
		if _, ok := declared[key]; !ok {
			return "", fmt.Errorf("unknown prompt slot %q", key)
		}
	}

	out := t.text
	for _, slot := range t.slots {
		value, ok := values[slot]
		if !ok {
			return "", fmt.Errorf("missing value for prompt slot %q", slot)
		}
		out = strings.ReplaceAll(out, "{"+slot+"}", value)
	}
	return out, nil
}
