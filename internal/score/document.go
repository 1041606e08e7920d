// Package score holds the in-memory structured score and the MusicXML
// ingestor that builds it from recognition artifacts.
package score

// TicksPerQuarter is the time resolution of every offset and duration.
const TicksPerQuarter = 480

// DefaultVelocity is used for notes without a dynamics marking.
const DefaultVelocity = 90

// Timbre is a plain instrument descriptor: a General MIDI bank and program.
type Timbre struct {
	Name    string `json:"name" mapstructure:"name"`
	Bank    uint8  `json:"bank" mapstructure:"bank"`
	Program uint8  `json:"program" mapstructure:"program"`
}

// Event is one note or rest placed within a measure.
type Event struct {
	Offset   int
	Duration int
	// Pitch is a MIDI key number; meaningless for rests.
	Pitch    int
	Rest     bool
	Voice    int
	TieStart bool
	TieStop  bool
	// Velocity is 0 for "unmarked".
	Velocity int
}

// Measure is one bar of a part with its structural markup.
type Measure struct {
	Number   string
	Duration int
	Events   []Event
	// Tempo in quarter notes per minute set at the start of the measure, 0 if unchanged.
	Tempo float64

	RepeatStart bool
	RepeatEnd   bool
	// RepeatTimes is the total number of plays of the section closed by RepeatEnd.
	RepeatTimes int
	// Endings lists the volta numbers of the bracket covering this measure.
	Endings  []int
	Segno    bool
	Coda     bool
	ToCoda   bool
	Fine     bool
	DaCapo   bool
	DalSegno bool
}

// HasStructure reports whether the measure carries repeat or jump markup.
func (m Measure) HasStructure() bool {
	return m.RepeatStart || m.RepeatEnd || len(m.Endings) > 0 ||
		m.Segno || m.Coda || m.ToCoda || m.Fine || m.DaCapo || m.DalSegno
}

// ClearStructure drops all repeat and jump markup.
func (m *Measure) ClearStructure() {
	m.RepeatStart = false
	m.RepeatEnd = false
	m.RepeatTimes = 0
	m.Endings = nil
	m.Segno = false
	m.Coda = false
	m.ToCoda = false
	m.Fine = false
	m.DaCapo = false
	m.DalSegno = false
}

// Clone returns a measure that shares nothing with m.
func (m Measure) Clone() Measure {
	out := m
	out.Events = append([]Event(nil), m.Events...)
	out.Endings = append([]int(nil), m.Endings...)
	return out
}

// Part is one voice or instrument line.
type Part struct {
	ID       string
	Name     string
	Timbre   Timbre
	Measures []Measure
}

// NoteCount counts sounding (non-rest) events.
func (p *Part) NoteCount() int {
	n := 0
	for _, m := range p.Measures {
		for _, e := range m.Events {
			if !e.Rest {
				n++
			}
		}
	}
	return n
}

// Document is the structured score parsed from one recognition artifact.
type Document struct {
	Title  string
	Source string
	Parts  []*Part
}

// NoteCount counts sounding events over all parts.
func (d *Document) NoteCount() int {
	n := 0
	for _, p := range d.Parts {
		n += p.NoteCount()
	}
	return n
}

// Clone deep-copies the document.
func (d *Document) Clone() *Document {
	out := &Document{Title: d.Title, Source: d.Source, Parts: make([]*Part, 0, len(d.Parts))}
	for _, p := range d.Parts {
		cp := &Part{ID: p.ID, Name: p.Name, Timbre: p.Timbre, Measures: make([]Measure, 0, len(p.Measures))}
		for _, m := range p.Measures {
			cp.Measures = append(cp.Measures, m.Clone())
		}
		out.Parts = append(out.Parts, cp)
	}
	return out
}
