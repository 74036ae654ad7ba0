// Package lesson holds the named coaching presets a session can be started
// with. A lesson only carries what is sent to the remote model when the
// channel opens, plus the visual source it defaults to.
package lesson

import (
	"errors"
	"slices"
	"sync"

	"github.com/MrWong99/easel/internal/config"
	"github.com/MrWong99/easel/pkg/capture"
	"github.com/MrWong99/easel/pkg/provider/live"
)

// ErrNotFound is returned by [Catalog.Get] when no lesson has the requested name.
var ErrNotFound = errors.New("lesson: not found")

// Lesson is one coaching preset.
type Lesson struct {
	Name         string       `json:"name"`
	Voice        string       `json:"voice,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Mode         capture.Mode `json:"mode,omitempty"`
}

// Catalog is a thread-safe, ordered set of lessons keyed by name. The whole
// set is swapped atomically by [Catalog.Replace] on config reload.
type Catalog struct {
	mu      sync.RWMutex
	order   []string
	lessons map[string]Lesson
}

// NewCatalog returns a catalog holding lessons in the given order.
func NewCatalog(lessons ...Lesson) *Catalog {
	c := &Catalog{}
	c.Replace(lessons)
	return c
}

// FromConfig converts the lesson section of a config.
func FromConfig(cfgs []config.LessonConfig) []Lesson {
	out := make([]Lesson, 0, len(cfgs))
	for _, lc := range cfgs {
		out = append(out, Lesson{
			Name:         lc.Name,
			Voice:        lc.Voice,
			Instructions: lc.Instructions,
			Mode:         lc.Mode,
		})
	}
	return out
}

// Replace swaps the catalog contents. Later duplicates of a name win but keep
// the position of the first occurrence.
func (c *Catalog) Replace(lessons []Lesson) {
	order := make([]string, 0, len(lessons))
	m := make(map[string]Lesson, len(lessons))
	for _, l := range lessons {
		if _, seen := m[l.Name]; !seen {
			order = append(order, l.Name)
		}
		m[l.Name] = l
	}

	c.mu.Lock()
	c.order = order
	c.lessons = m
	c.mu.Unlock()
}

// Get returns the lesson called name. An empty name selects the first lesson
// of the catalog, or the zero lesson when the catalog is empty.
func (c *Catalog) Get(name string) (Lesson, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if name == "" {
		if len(c.order) == 0 {
			return Lesson{}, nil
		}
		return c.lessons[c.order[0]], nil
	}
	l, ok := c.lessons[name]
	if !ok {
		return Lesson{}, ErrNotFound
	}
	return l, nil
}

// List returns every lesson in catalog order.
func (c *Catalog) List() []Lesson {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Lesson, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.lessons[name])
	}
	return out
}

// Names returns the lesson names in catalog order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// UnknownVoices returns the names of lessons whose voice caps does not list.
func (c *Catalog) UnknownVoices(caps live.Capabilities) []string {
	var out []string
	for _, l := range c.List() {
		if !caps.HasVoice(l.Voice) {
			out = append(out, l.Name)
		}
	}
	return out
}
