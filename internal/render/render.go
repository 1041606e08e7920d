// Package render turns a resolved, annotated score into a symbolic
// performance: absolute-time notes per track plus the tempo map.
package render

import (
	"errors"
	"sort"

	"github.com/example/sheet2audio/api-go/internal/score"
)

// ErrUnrenderableScore means the score has no sounding notes.
var ErrUnrenderableScore = errors.New("score has no notes to render")

// DefaultTempo applies until the score sets one.
const DefaultTempo = 120.0

// percussionChannel is reserved for drum kits in General MIDI.
const percussionChannel = 9

// TempoChange sets the tempo in quarter notes per minute from Tick on.
type TempoChange struct {
	Tick int
	BPM  float64
}

// Note is one sounding note in absolute ticks.
type Note struct {
	Start    int
	End      int
	Key      uint8
	Velocity uint8
}

// Track is one part bound to a MIDI channel and timbre.
type Track struct {
	Name    string
	Channel uint8
	Timbre  score.Timbre
	Notes   []Note
}

// Performance is the render-ready unit handed to the synthesizer.
type Performance struct {
	Title           string
	TicksPerQuarter int
	Tempos          []TempoChange
	Tracks          []Track
}

// NoteCount counts notes across tracks.
func (p *Performance) NoteCount() int {
	n := 0
	for _, t := range p.Tracks {
		n += len(t.Notes)
	}
	return n
}

// EndTick is the tick at which the last note ends.
func (p *Performance) EndTick() int {
	end := 0
	for _, t := range p.Tracks {
		for _, n := range t.Notes {
			end = max(end, n.End)
		}
	}
	return end
}

// Render translates doc deterministically. Measures with the same index start
// at the same tick in every part, so parts stay aligned even when one part's
// bar is short.
func Render(doc *score.Document) (*Performance, error) {
	starts, tempos := timeline(doc)
	perf := &Performance{
		Title:           doc.Title,
		TicksPerQuarter: score.TicksPerQuarter,
		Tempos:          tempos,
	}

	for i, p := range doc.Parts {
		if p == nil {
			continue
		}
		perf.Tracks = append(perf.Tracks, Track{
			Name:    trackName(p),
			Channel: channelFor(i),
			Timbre:  p.Timbre,
			Notes:   renderNotes(p, starts),
		})
	}
	if perf.NoteCount() == 0 {
		return nil, ErrUnrenderableScore
	}
	return perf, nil
}

// timeline computes each measure index's start tick and the tempo map.
func timeline(doc *score.Document) ([]int, []TempoChange) {
	count := 0
	for _, p := range doc.Parts {
		if p != nil {
			count = max(count, len(p.Measures))
		}
	}

	starts := make([]int, count)
	tempos := []TempoChange{}
	tick := 0
	for i := 0; i < count; i++ {
		starts[i] = tick
		length := 0
		tempo := 0.0
		for _, p := range doc.Parts {
			if p == nil || i >= len(p.Measures) {
				continue
			}
			m := p.Measures[i]
			length = max(length, m.Duration)
			if tempo == 0 && m.Tempo > 0 {
				tempo = m.Tempo
			}
		}
		if tempo > 0 && (len(tempos) == 0 || tempos[len(tempos)-1].BPM != tempo) {
			tempos = append(tempos, TempoChange{Tick: tick, BPM: tempo})
		}
		tick += length
	}
	if len(tempos) == 0 || tempos[0].Tick != 0 {
		tempos = append([]TempoChange{{Tick: 0, BPM: DefaultTempo}}, tempos...)
	}
	return starts, tempos
}

func renderNotes(p *score.Part, starts []int) []Note {
	var notes []Note
	type held struct{ voice, pitch int }
	// Open ties per voice and key: index into notes of the note still sounding.
	open := make(map[held]int)

	for i, m := range p.Measures {
		for _, ev := range m.Events {
			if ev.Rest || ev.Duration <= 0 || ev.Pitch < 0 || ev.Pitch > 127 {
				continue
			}
			start := starts[i] + ev.Offset
			end := start + ev.Duration
			tie := held{voice: ev.Voice, pitch: ev.Pitch}

			if ev.TieStop {
				if idx, ok := open[tie]; ok && notes[idx].End == start {
					notes[idx].End = end
					if !ev.TieStart {
						delete(open, tie)
					}
					continue
				}
			}

			velocity := ev.Velocity
			if velocity <= 0 {
				velocity = score.DefaultVelocity
			}
			notes = append(notes, Note{
				Start:    start,
				End:      end,
				Key:      uint8(ev.Pitch),
				Velocity: uint8(min(velocity, 127)),
			})
			if ev.TieStart {
				open[tie] = len(notes) - 1
			} else {
				delete(open, tie)
			}
		}
	}

	sort.SliceStable(notes, func(a, b int) bool {
		if notes[a].Start != notes[b].Start {
			return notes[a].Start < notes[b].Start
		}
		return notes[a].Key < notes[b].Key
	})
	return notes
}

func trackName(p *score.Part) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// channelFor assigns parts to channels in order, skipping percussion and
// wrapping after the fifteen melodic channels.
func channelFor(partIndex int) uint8 {
	ch := partIndex % 15
	if ch >= percussionChannel {
		ch++
	}
	return uint8(ch)
}
