// Package sharedctx holds the job's shared mutable context: named text
// sections that stages read before they run and write after they finish.
//
// A Context is created with the plan's declared sections plus the reserved
// structure section, which the scheduler refreshes after every cohort. All
// operations, including Serialize, take one context-wide lock so concurrent
// cohort members never observe a torn section.
package sharedctx

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

// StructureSection is the reserved section holding the rendered artifact tree.
const StructureSection = "structure"

// EmptyPlaceholder is what Serialize returns when nothing is populated.
const EmptyPlaceholder = "(No context populated yet.)"

// Snapshot keys that carry metadata rather than a section value.
const (
	SnapshotSectionsKey = "_sections"
	SnapshotPromptKey   = "_prompt"
)

// Context is the shared mutable store. The zero value is not usable; call New.
type Context struct {
	mu      sync.Mutex
	order   []string
	values  map[string]string
	prompt  string
	started bool
}

// New returns a Context with the given sections in order, followed by the
// reserved structure section. Duplicates and empty names are dropped.
func New(sections []string) *Context {
	c := &Context{values: make(map[string]string)}
	for _, s := range sections {
		if s == "" || s == StructureSection || slices.Contains(c.order, s) {
			continue
		}
		c.order = append(c.order, s)
	}
	c.order = append(c.order, StructureSection)
	return c
}

// Sections returns the declared section names in serialization order.
func (c *Context) Sections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Has reports whether section is declared.
func (c *Context) Has(section string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.order, section)
}

// SetPrompt records the user's request, serialized ahead of all sections.
func (c *Context) SetPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt = prompt
}

// Prompt returns the user's request.
func (c *Context) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// Read returns the value of section.
func (c *Context) Read(section string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(section); err != nil {
		return "", err
	}
	return c.values[section], nil
}

// Write replaces the value of section.
func (c *Context) Write(section, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(section); err != nil {
		return err
	}
	c.values[section] = value
	return nil
}

// Append adds value to section on a new line.
func (c *Context) Append(section, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(section); err != nil {
		return err
	}
	if existing := c.values[section]; existing != "" {
		value = existing + "\n" + value
	}
	c.values[section] = value
	return nil
}

func (c *Context) check(section string) error {
	if !slices.Contains(c.order, section) {
		return errors.Wrapf(errors.ErrUnknownSection, "section %q", section)
	}
	return nil
}

// Serialize renders the prompt and the non-empty sections as Markdown in
// declared order. With arguments, only those sections are included; unknown
// names are ignored. The output for a given state is deterministic.
func (c *Context) Serialize(sections ...string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	caser := cases.Title(language.English)
	var parts []string
	if c.prompt != "" {
		parts = append(parts, "## User Request\n"+c.prompt)
	}
	for _, name := range c.order {
		if len(sections) > 0 && !slices.Contains(sections, name) {
			continue
		}
		value := c.values[name]
		if value == "" {
			continue
		}
		header := caser.String(strings.ReplaceAll(name, "_", " "))
		parts = append(parts, "## "+header+"\n"+value)
	}
	if len(parts) == 0 {
		return EmptyPlaceholder
	}
	return strings.Join(parts, "\n\n")
}

// MarkStarted forbids further Restore calls. The scheduler calls it before
// the first stage is dispatched.
func (c *Context) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

// Snapshot returns a flat key to text map: one key per section, plus the
// section order and prompt under reserved keys.
func (c *Context) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := make(map[string]string, len(c.order)+2)
	for _, name := range c.order {
		snap[name] = c.values[name]
	}
	snap[SnapshotSectionsKey] = strings.Join(c.order, "\n")
	snap[SnapshotPromptKey] = c.prompt
	return snap
}

// Restore replaces the context state with snap. It fails once the context
// has been marked started, and on values for sections the snapshot's order
// does not declare.
func (c *Context) Restore(snap map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.ErrContextStarted
	}

	order := c.order
	if raw, ok := snap[SnapshotSectionsKey]; ok && raw != "" {
		order = strings.Split(raw, "\n")
		if !slices.Contains(order, StructureSection) {
			order = append(order, StructureSection)
		}
	}

	values := make(map[string]string, len(order))
	for key, value := range snap {
		if key == SnapshotSectionsKey || key == SnapshotPromptKey {
			continue
		}
		if !slices.Contains(order, key) {
			return errors.Wrapf(errors.ErrUnknownSection, "snapshot section %q", key)
		}
		values[key] = value
	}

	c.order = slices.Clone(order)
	c.values = values
	c.prompt = snap[SnapshotPromptKey]
	return nil
}

// MarshalSnapshot encodes a snapshot as indented JSON.
func MarshalSnapshot(snap map[string]string) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// UnmarshalSnapshot decodes a snapshot written by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (map[string]string, error) {
	var snap map[string]string
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "decode context snapshot")
	}
	return snap, nil
}
