// Package instrument maps user-facing instrument names to timbres and
// assigns them to every part of a score.
package instrument

import (
	"sort"
	"strings"

	"github.com/example/sheet2audio/api-go/internal/score"
)

// DefaultName is used when a requested instrument is unknown.
const DefaultName = "Piano"

// Defaults are General MIDI programs (zero-based) for the built-in names.
var Defaults = []score.Timbre{
	{Name: "Piano", Program: 0},
	{Name: "Violin", Program: 40},
	{Name: "Flute", Program: 73},
	{Name: "AltoSaxophone", Program: 65},
	{Name: "Cello", Program: 42},
	{Name: "Clarinet", Program: 71},
	{Name: "Trumpet", Program: 56},
	{Name: "Guitar", Program: 24},
	{Name: "Organ", Program: 19},
}

// Catalog resolves names case-insensitively.
type Catalog struct {
	byKey    map[string]score.Timbre
	fallback score.Timbre
}

// NewCatalog builds a catalog from Defaults overlaid with overrides.
func NewCatalog(overrides ...score.Timbre) *Catalog {
	c := &Catalog{byKey: make(map[string]score.Timbre, len(Defaults)+len(overrides))}
	for _, t := range Defaults {
		c.byKey[key(t.Name)] = t
	}
	for _, t := range overrides {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		c.byKey[key(t.Name)] = t
	}
	c.fallback = c.byKey[key(DefaultName)]
	return c
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolve returns the timbre for name and whether it was known.
func (c *Catalog) Resolve(name string) (score.Timbre, bool) {
	t, ok := c.byKey[key(name)]
	if !ok {
		return c.fallback, false
	}
	return t, true
}

// Names lists the known instrument names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.byKey))
	for _, t := range c.byKey {
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out
}

// Annotate assigns the timbre for name to every part of doc and returns it.
// Unknown names get the Piano timbre.
func (c *Catalog) Annotate(doc *score.Document, name string) score.Timbre {
	t, _ := c.Resolve(name)
	for _, p := range doc.Parts {
		p.Timbre = t
	}
	return t
}
