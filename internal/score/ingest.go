package score

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMalformedArtifact means an artifact could not be parsed into a score.
var ErrMalformedArtifact = errors.New("malformed MusicXML artifact")

// Ingest parses one MusicXML artifact (.mxl container or plain .musicxml/.xml).
func Ingest(artifactPath string) (*Document, error) {
	var (
		doc *Document
		err error
	)
	if strings.EqualFold(filepath.Ext(artifactPath), ".mxl") {
		doc, err = ingestContainer(artifactPath)
	} else {
		doc, err = ingestFile(artifactPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedArtifact, filepath.Base(artifactPath), err)
	}
	doc.Source = artifactPath
	return doc, nil
}

func ingestFile(p string) (*Document, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

type xmlContainer struct {
	RootFiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

func ingestContainer(p string) (*Document, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer zr.Close()

	root, err := containerRoot(&zr.Reader)
	if err != nil {
		return nil, err
	}
	rc, err := root.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root.Name, err)
	}
	defer rc.Close()
	return Parse(rc)
}

// containerRoot finds the score inside a compressed MusicXML container.
func containerRoot(zr *zip.Reader) (*zip.File, error) {
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	if manifest, ok := byName["META-INF/container.xml"]; ok {
		rc, err := manifest.Open()
		if err != nil {
			return nil, fmt.Errorf("open container manifest: %w", err)
		}
		var c xmlContainer
		err = xml.NewDecoder(rc).Decode(&c)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decode container manifest: %w", err)
		}
		for _, rf := range c.RootFiles {
			if f, ok := byName[rf.FullPath]; ok {
				return f, nil
			}
		}
		return nil, fmt.Errorf("container root file missing")
	}

	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "META-INF/") {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Name))
		if ext == ".xml" || ext == ".musicxml" {
			return f, nil
		}
	}
	return nil, fmt.Errorf("container has no score file")
}

type xmlScore struct {
	XMLName       xml.Name
	WorkTitle     string         `xml:"work>work-title"`
	MovementTitle string         `xml:"movement-title"`
	ScoreParts    []xmlScorePart `xml:"part-list>score-part"`
	Parts         []xmlPart      `xml:"part"`
}

type xmlScorePart struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"part-name"`
}

type xmlPart struct {
	ID       string       `xml:"id,attr"`
	Measures []xmlMeasure `xml:"measure"`
}

type xmlMeasure struct {
	Number string    `xml:"number,attr"`
	Items  []xmlItem `xml:",any"`
}

// xmlItem is any child of <measure>; which fields are set depends on XMLName.
type xmlItem struct {
	XMLName xml.Name

	// note
	Grace    *struct{} `xml:"grace"`
	Chord    *struct{} `xml:"chord"`
	Rest     *struct{} `xml:"rest"`
	Pitch    *xmlPitch `xml:"pitch"`
	Duration int       `xml:"duration"`
	Voice    string    `xml:"voice"`
	Ties     []xmlTie  `xml:"tie"`
	Dynamics string    `xml:"dynamics,attr"`

	// attributes
	Divisions int `xml:"divisions"`

	// barline
	Repeat *xmlRepeat `xml:"repeat"`
	Ending *xmlEnding `xml:"ending"`

	// direction
	DirectionTypes []xmlDirectionType `xml:"direction-type"`
	Sound          *xmlSound          `xml:"sound"`

	// a bare <sound> inside the measure
	xmlSound
}

type xmlPitch struct {
	Step   string  `xml:"step"`
	Alter  float64 `xml:"alter"`
	Octave int     `xml:"octave"`
}

type xmlTie struct {
	Type string `xml:"type,attr"`
}

type xmlRepeat struct {
	Direction string `xml:"direction,attr"`
	Times     string `xml:"times,attr"`
}

type xmlEnding struct {
	Number string `xml:"number,attr"`
	Type   string `xml:"type,attr"`
}

type xmlDirectionType struct {
	Segno *struct{} `xml:"segno"`
	Coda  *struct{} `xml:"coda"`
	Words []string  `xml:"words"`
}

type xmlSound struct {
	Tempo    string `xml:"tempo,attr"`
	Segno    string `xml:"segno,attr"`
	Coda     string `xml:"coda,attr"`
	ToCoda   string `xml:"tocoda,attr"`
	Fine     string `xml:"fine,attr"`
	DaCapo   string `xml:"dacapo,attr"`
	DalSegno string `xml:"dalsegno,attr"`
}

// Parse decodes a partwise MusicXML document.
func Parse(r io.Reader) (*Document, error) {
	var raw xmlScore
	if err := xml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if raw.XMLName.Local != "score-partwise" {
		return nil, fmt.Errorf("unsupported root element <%s>", raw.XMLName.Local)
	}
	if len(raw.Parts) == 0 {
		return nil, fmt.Errorf("score has no parts")
	}

	names := make(map[string]string, len(raw.ScoreParts))
	for _, sp := range raw.ScoreParts {
		names[sp.ID] = strings.TrimSpace(sp.Name)
	}

	doc := &Document{Title: strings.TrimSpace(raw.WorkTitle)}
	if doc.Title == "" {
		doc.Title = strings.TrimSpace(raw.MovementTitle)
	}
	for i, xp := range raw.Parts {
		part, err := buildPart(xp)
		if err != nil {
			return nil, fmt.Errorf("part %d (%s): %w", i+1, xp.ID, err)
		}
		part.Name = names[xp.ID]
		doc.Parts = append(doc.Parts, part)
	}
	return doc, nil
}

func buildPart(xp xmlPart) (*Part, error) {
	part := &Part{ID: xp.ID, Measures: make([]Measure, 0, len(xp.Measures))}
	divisions := 1
	var openEnding []int

	for _, xm := range xp.Measures {
		m := Measure{Number: xm.Number}
		if openEnding != nil {
			m.Endings = append([]int(nil), openEnding...)
		}
		cursor, lastOnset, end := 0, 0, 0

		for _, it := range xm.Items {
			switch it.XMLName.Local {
			case "attributes":
				if it.Divisions > 0 {
					divisions = it.Divisions
				}
			case "note":
				if it.Grace != nil {
					continue
				}
				dur := toTicks(it.Duration, divisions)
				onset := cursor
				if it.Chord != nil {
					onset = lastOnset
				}
				ev, err := buildEvent(it, onset, dur)
				if err != nil {
					return nil, fmt.Errorf("measure %s: %w", xm.Number, err)
				}
				m.Events = append(m.Events, ev)
				if it.Chord == nil {
					lastOnset = cursor
					cursor += dur
				}
				end = max(end, onset+dur)
			case "backup":
				cursor = max(cursor-toTicks(it.Duration, divisions), 0)
			case "forward":
				cursor += toTicks(it.Duration, divisions)
				end = max(end, cursor)
			case "barline":
				if it.Repeat != nil {
					applyRepeat(&m, it.Repeat)
				}
				if it.Ending != nil {
					nums := parseEndingNumbers(it.Ending.Number)
					switch it.Ending.Type {
					case "start":
						m.Endings = nums
						openEnding = nums
					case "stop", "discontinue":
						if len(m.Endings) == 0 {
							m.Endings = nums
						}
						openEnding = nil
					}
				}
			case "sound":
				applySound(&m, it.xmlSound)
			case "direction":
				if it.Sound != nil {
					applySound(&m, *it.Sound)
				}
				for _, dt := range it.DirectionTypes {
					if dt.Segno != nil {
						m.Segno = true
					}
					if dt.Coda != nil {
						m.Coda = true
					}
					for _, w := range dt.Words {
						applyWords(&m, w)
					}
				}
			}
		}
		m.Duration = max(end, cursor)
		part.Measures = append(part.Measures, m)
	}
	return part, nil
}

func buildEvent(it xmlItem, onset, dur int) (Event, error) {
	ev := Event{Offset: onset, Duration: dur, Voice: 1}
	if v, err := strconv.Atoi(strings.TrimSpace(it.Voice)); err == nil && v > 0 {
		ev.Voice = v
	}
	for _, tie := range it.Ties {
		switch tie.Type {
		case "start":
			ev.TieStart = true
		case "stop":
			ev.TieStop = true
		}
	}
	if d, err := strconv.ParseFloat(strings.TrimSpace(it.Dynamics), 64); err == nil && d > 0 {
		ev.Velocity = min(int(math.Round(DefaultVelocity*d/100)), 127)
	}
	if it.Rest != nil || it.Pitch == nil {
		ev.Rest = true
		return ev, nil
	}
	key, err := midiKey(*it.Pitch)
	if err != nil {
		return Event{}, err
	}
	ev.Pitch = key
	return ev, nil
}

var stepSemitones = map[string]int{"C": 0, "D": 2, "E": 4, "F": 5, "G": 7, "A": 9, "B": 11}

func midiKey(p xmlPitch) (int, error) {
	semi, ok := stepSemitones[strings.ToUpper(strings.TrimSpace(p.Step))]
	if !ok {
		return 0, fmt.Errorf("invalid pitch step %q", p.Step)
	}
	key := (p.Octave+1)*12 + semi + int(math.Round(p.Alter))
	if key < 0 || key > 127 {
		return 0, fmt.Errorf("pitch out of MIDI range: %s%d", p.Step, p.Octave)
	}
	return key, nil
}

func toTicks(duration, divisions int) int {
	if duration <= 0 {
		return 0
	}
	return duration * TicksPerQuarter / divisions
}

func applyRepeat(m *Measure, r *xmlRepeat) {
	switch r.Direction {
	case "forward":
		m.RepeatStart = true
	case "backward":
		m.RepeatEnd = true
		m.RepeatTimes = 2
		if raw := strings.TrimSpace(r.Times); raw != "" {
			// Unparsable counts are kept as 0 and rejected during expansion.
			n, err := strconv.Atoi(raw)
			if err != nil {
				n = 0
			}
			m.RepeatTimes = n
		}
	}
}

// parseEndingNumbers reads "1", "1, 2" or "1 2"; bad entries become 0.
func parseEndingNumbers(raw string) []int {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		out = append(out, 0)
	}
	return out
}

func applySound(m *Measure, s xmlSound) {
	if t, err := strconv.ParseFloat(strings.TrimSpace(s.Tempo), 64); err == nil && t > 0 {
		m.Tempo = t
	}
	if s.Segno != "" {
		m.Segno = true
	}
	if s.Coda != "" {
		m.Coda = true
	}
	if s.ToCoda != "" {
		m.ToCoda = true
	}
	if s.Fine != "" {
		m.Fine = true
	}
	if strings.EqualFold(s.DaCapo, "yes") {
		m.DaCapo = true
	}
	if s.DalSegno != "" {
		m.DalSegno = true
	}
}

// applyWords reads jump instructions that engines export only as text.
func applyWords(m *Measure, words string) {
	w := strings.ToLower(strings.TrimSpace(words))
	switch {
	case strings.HasPrefix(w, "d.c."), strings.HasPrefix(w, "da capo"):
		m.DaCapo = true
	case strings.HasPrefix(w, "d.s."), strings.HasPrefix(w, "dal segno"):
		m.DalSegno = true
	case w == "to coda", w == "al coda":
		m.ToCoda = true
	case w == "coda":
		m.Coda = true
	case w == "fine":
		m.Fine = true
	}
}
