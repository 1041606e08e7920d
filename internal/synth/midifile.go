package synth

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/example/sheet2audio/api-go/internal/render"
)

// bankSelectMSB is the controller number selecting a sound bank.
const bankSelectMSB = 0

type timedMessage struct {
	tick int
	// rank orders messages sharing a tick: setup, then note-offs, then note-ons.
	rank int
	msg  []byte
}

// EncodeMIDI builds a format 1 Standard MIDI File: a conductor track with the
// tempo map followed by one track per performance track.
func EncodeMIDI(perf *render.Performance) (*smf.SMF, error) {
	if perf.TicksPerQuarter <= 0 || perf.TicksPerQuarter > 0x7FFF {
		return nil, fmt.Errorf("invalid ticks per quarter: %d", perf.TicksPerQuarter)
	}
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(uint16(perf.TicksPerQuarter))

	conductor := []timedMessage{{tick: 0, msg: smf.MetaTrackSequenceName(perf.Title)}}
	for _, tc := range perf.Tempos {
		conductor = append(conductor, timedMessage{tick: tc.Tick, rank: 1, msg: smf.MetaTempo(tc.BPM)})
	}
	if err := s.Add(toTrack(conductor)); err != nil {
		return nil, fmt.Errorf("add conductor track: %w", err)
	}

	for _, tr := range perf.Tracks {
		msgs := []timedMessage{
			{tick: 0, msg: smf.MetaTrackSequenceName(tr.Name)},
			{tick: 0, msg: midi.ControlChange(tr.Channel, bankSelectMSB, tr.Timbre.Bank)},
			{tick: 0, msg: midi.ProgramChange(tr.Channel, tr.Timbre.Program)},
		}
		for _, n := range tr.Notes {
			msgs = append(msgs,
				timedMessage{tick: n.Start, rank: 2, msg: midi.NoteOn(tr.Channel, n.Key, n.Velocity)},
				timedMessage{tick: n.End, rank: 1, msg: midi.NoteOff(tr.Channel, n.Key)},
			)
		}
		if err := s.Add(toTrack(msgs)); err != nil {
			return nil, fmt.Errorf("add track %q: %w", tr.Name, err)
		}
	}
	return s, nil
}

func toTrack(msgs []timedMessage) smf.Track {
	sort.SliceStable(msgs, func(a, b int) bool {
		if msgs[a].tick != msgs[b].tick {
			return msgs[a].tick < msgs[b].tick
		}
		return msgs[a].rank < msgs[b].rank
	})

	var track smf.Track
	last := 0
	for _, m := range msgs {
		track.Add(uint32(m.tick-last), m.msg)
		last = m.tick
	}
	track.Close(0)
	return track
}

// WriteMIDI encodes perf to w.
func WriteMIDI(w io.Writer, perf *render.Performance) error {
	s, err := EncodeMIDI(perf)
	if err != nil {
		return err
	}
	_, err = s.WriteTo(w)
	return err
}

// WriteMIDIFile encodes perf to a file at path.
func WriteMIDIFile(path string, perf *render.Performance) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteMIDI(f, perf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
