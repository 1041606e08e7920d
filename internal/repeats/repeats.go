// Package repeats linearizes a score's structural markup. Expansion unrolls
// repeats, voltas and jumps into performance order; when the markup cannot be
// expanded the score is flattened instead (repeats heard once), and when even
// that fails the score is left as it is. Resolve never fails.
package repeats

import (
	"errors"
	"fmt"
	"slices"

	"github.com/example/sheet2audio/api-go/internal/score"
)

// Outcome tags which tier produced the resolved score.
type Outcome string

const (
	Expanded   Outcome = "expanded"
	Flattened  Outcome = "flattened"
	Unresolved Outcome = "unresolved"
)

var (
	ErrExpansion = errors.New("repeat expansion failed")
	ErrFlatten   = errors.New("flatten failed")
)

// MaxExpansionFactor bounds the expanded length relative to the written one.
const MaxExpansionFactor = 16

// Result is the resolved document plus how it was obtained. Err explains a
// Flattened or Unresolved outcome; it is informational only.
type Result struct {
	Document *score.Document
	Outcome  Outcome
	Err      error
}

// Resolve mutates doc into a repeat-free score and returns it. The returned
// document always has at least one part.
func Resolve(doc *score.Document) Result {
	if doc == nil {
		doc = &score.Document{}
	}

	order, expErr := PerformanceOrder(doc)
	if expErr == nil {
		applyOrder(doc, order)
		return Result{Document: doc, Outcome: Expanded}
	}

	if err := Flatten(doc); err != nil {
		ensurePart(doc)
		return Result{Document: doc, Outcome: Unresolved, Err: errors.Join(expErr, err)}
	}
	return Result{Document: doc, Outcome: Flattened, Err: expErr}
}

func ensurePart(doc *score.Document) {
	doc.Parts = slices.DeleteFunc(doc.Parts, func(p *score.Part) bool { return p == nil })
	if len(doc.Parts) == 0 {
		doc.Parts = append(doc.Parts, &score.Part{ID: "P1"})
	}
}

func expansionErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExpansion, fmt.Sprintf(format, args...))
}

// PerformanceOrder returns the written measure indices in the order they are
// played. The first part's markup drives every part, so all parts must have
// the same number of measures.
func PerformanceOrder(doc *score.Document) ([]int, error) {
	if len(doc.Parts) == 0 {
		return nil, expansionErr("score has no parts")
	}
	for i, p := range doc.Parts {
		if p == nil {
			return nil, expansionErr("part %d is nil", i+1)
		}
	}
	ms := doc.Parts[0].Measures
	n := len(ms)
	for _, p := range doc.Parts[1:] {
		if len(p.Measures) != n {
			return nil, expansionErr("part %s has %d measures, part %s has %d",
				p.ID, len(p.Measures), doc.Parts[0].ID, n)
		}
	}

	segno := -1
	for i, m := range ms {
		if m.RepeatEnd && m.RepeatTimes < 1 {
			return nil, expansionErr("measure %s repeats %d times", m.Number, m.RepeatTimes)
		}
		for _, e := range m.Endings {
			if e < 1 {
				return nil, expansionErr("measure %s has invalid ending number %d", m.Number, e)
			}
		}
		if m.Segno && segno < 0 {
			segno = i
		}
		if m.DalSegno && !hasSegno(ms) {
			return nil, expansionErr("measure %s has D.S. without a segno", m.Number)
		}
	}
	final := finalEndings(ms)

	var (
		order    = make([]int, 0, n)
		limit    = MaxExpansionFactor * n
		pos      = 0
		start    = 0
		pass     = 1
		jumpFrom = -1
		jumped   = false
	)
	for pos < n {
		if len(order) >= limit {
			return nil, expansionErr("expansion exceeds %d measures", limit)
		}
		m := ms[pos]

		if !jumped {
			if m.RepeatStart && pos != start {
				start = pos
				pass = 1
			}
			if len(m.Endings) == 0 && pass > 1 && pos > jumpFrom {
				// Past the last volta of a finished section.
				start = pos
				pass = 1
			}
		}
		if len(m.Endings) > 0 {
			play := slices.Contains(m.Endings, pass)
			if jumped {
				play = final[pos]
			}
			if !play {
				pos++
				continue
			}
		}

		order = append(order, pos)

		if jumped {
			if m.ToCoda {
				target := nextCoda(ms, pos)
				if target < 0 {
					return nil, expansionErr("measure %s jumps to a missing coda", m.Number)
				}
				pos = target
				continue
			}
			if m.Fine {
				break
			}
		} else {
			if m.RepeatEnd {
				if pass < m.RepeatTimes {
					pass++
					jumpFrom = pos
					pos = start
					continue
				}
				start = pos + 1
			}
			if m.DaCapo || m.DalSegno {
				jumped = true
				if m.DaCapo {
					pos = 0
				} else {
					pos = segno
				}
				continue
			}
		}
		pos++
	}
	return order, nil
}

func hasSegno(ms []score.Measure) bool {
	return slices.ContainsFunc(ms, func(m score.Measure) bool { return m.Segno })
}

func nextCoda(ms []score.Measure, after int) int {
	for i := after + 1; i < len(ms); i++ {
		if ms[i].Coda {
			return i
		}
	}
	return -1
}

// finalEndings marks, for each run of volta measures, those carrying the
// highest number of the run; only they play after a D.C. or D.S.
func finalEndings(ms []score.Measure) []bool {
	final := make([]bool, len(ms))
	for i := 0; i < len(ms); {
		if len(ms[i].Endings) == 0 {
			i++
			continue
		}
		j := i
		highest := 0
		for j < len(ms) && len(ms[j].Endings) > 0 {
			highest = max(highest, slices.Max(ms[j].Endings))
			j++
		}
		for k := i; k < j; k++ {
			final[k] = slices.Contains(ms[k].Endings, highest)
		}
		i = j
	}
	return final
}

func applyOrder(doc *score.Document, order []int) {
	for _, p := range doc.Parts {
		out := make([]score.Measure, 0, len(order))
		for _, idx := range order {
			m := p.Measures[idx].Clone()
			m.ClearStructure()
			out = append(out, m)
		}
		p.Measures = out
	}
}

// Flatten keeps the written measure order, strips all structural markup and
// drops rest-only voices that sit beside sounding ones. It does not mutate
// doc unless it succeeds.
func Flatten(doc *score.Document) error {
	parts := slices.DeleteFunc(slices.Clone(doc.Parts), func(p *score.Part) bool { return p == nil })
	if len(parts) == 0 {
		return fmt.Errorf("%w: score has no parts", ErrFlatten)
	}
	for _, p := range parts {
		for _, m := range p.Measures {
			if m.Duration < 0 {
				return fmt.Errorf("%w: part %s measure %s has negative duration", ErrFlatten, p.ID, m.Number)
			}
			for _, e := range m.Events {
				if e.Offset < 0 || e.Duration < 0 {
					return fmt.Errorf("%w: part %s measure %s has an event at %d lasting %d",
						ErrFlatten, p.ID, m.Number, e.Offset, e.Duration)
				}
			}
		}
	}

	for _, p := range parts {
		keep := soundingVoices(p)
		for i := range p.Measures {
			m := &p.Measures[i]
			m.ClearStructure()
			if keep == nil {
				continue
			}
			events := m.Events[:0]
			for _, e := range m.Events {
				if v, ok := keep[e.Voice]; ok {
					e.Voice = v
					events = append(events, e)
				}
			}
			m.Events = events
		}
	}
	doc.Parts = parts
	return nil
}

// soundingVoices maps each voice that has notes to its new number. It returns
// nil when no voice sounds, leaving the part untouched.
func soundingVoices(p *score.Part) map[int]int {
	var voices []int
	for _, m := range p.Measures {
		for _, e := range m.Events {
			if !e.Rest && !slices.Contains(voices, e.Voice) {
				voices = append(voices, e.Voice)
			}
		}
	}
	if len(voices) == 0 {
		return nil
	}
	slices.Sort(voices)
	out := make(map[int]int, len(voices))
	for i, v := range voices {
		out[v] = i + 1
	}
	return out
}
