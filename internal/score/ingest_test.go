package score

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const twoPartScore = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE score-partwise PUBLIC "-//Recordare//DTD MusicXML 3.1 Partwise//EN" "http://www.musicxml.org/dtds/partwise.dtd">
<score-partwise version="3.1">
  <work><work-title>Minuet</work-title></work>
  <part-list>
    <score-part id="P1"><part-name>Right</part-name></score-part>
    <score-part id="P2"><part-name>Left</part-name></score-part>
  </part-list>
  <part id="P1">
    <measure number="1">
      <attributes><divisions>2</divisions></attributes>
      <barline location="left"><repeat direction="forward"/></barline>
      <direction><sound tempo="96"/></direction>
      <note><pitch><step>C</step><octave>4</octave></pitch><duration>2</duration><voice>1</voice><tie type="start"/></note>
      <note><pitch><step>C</step><octave>4</octave></pitch><duration>2</duration><voice>1</voice><tie type="stop"/></note>
      <note><chord/><pitch><step>E</step><alter>-1</alter><octave>4</octave></pitch><duration>2</duration><voice>1</voice></note>
      <backup><duration>4</duration></backup>
      <note><rest/><duration>4</duration><voice>2</voice></note>
    </measure>
    <measure number="2">
      <barline location="left"><ending number="1" type="start"/></barline>
      <note><grace/><pitch><step>D</step><octave>4</octave></pitch><voice>1</voice></note>
      <note dynamics="50"><pitch><step>G</step><octave>4</octave></pitch><duration>4</duration><voice>1</voice></note>
      <barline location="right"><ending number="1" type="stop"/><repeat direction="backward" times="3"/></barline>
    </measure>
    <measure number="3">
      <barline location="left"><ending number="2, 3" type="start"/></barline>
      <note><pitch><step>A</step><octave>4</octave></pitch><duration>4</duration><voice>1</voice></note>
      <barline location="right"><ending number="2, 3" type="discontinue"/></barline>
      <sound dacapo="yes"/>
    </measure>
  </part>
  <part id="P2">
    <measure number="1">
      <attributes><divisions>1</divisions></attributes>
      <note><pitch><step>C</step><octave>3</octave></pitch><duration>2</duration></note>
    </measure>
    <measure number="2">
      <forward><duration>2</duration></forward>
    </measure>
    <measure number="3">
      <note><rest/><duration>2</duration></note>
    </measure>
  </part>
</score-partwise>`

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeContainer(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestIngestPlainMusicXML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "minuet.musicxml")
	mustWriteFile(t, p, twoPartScore)

	doc, err := Ingest(p)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if doc.Title != "Minuet" || doc.Source != p {
		t.Fatalf("title/source = %q/%q", doc.Title, doc.Source)
	}
	if len(doc.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(doc.Parts))
	}
	right := doc.Parts[0]
	if right.Name != "Right" || len(right.Measures) != 3 {
		t.Fatalf("right part = %+v", right)
	}

	m1 := right.Measures[0]
	if !m1.RepeatStart || m1.Tempo != 96 || m1.Duration != 2*TicksPerQuarter {
		t.Fatalf("measure 1 = %+v", m1)
	}
	if len(m1.Events) != 4 {
		t.Fatalf("measure 1 events = %+v", m1.Events)
	}
	if e := m1.Events[1]; e.Pitch != 60 || e.Offset != TicksPerQuarter || !e.TieStop {
		t.Fatalf("tied C = %+v", e)
	}
	if e := m1.Events[2]; e.Pitch != 63 || e.Offset != TicksPerQuarter {
		t.Fatalf("chord Eb = %+v", e)
	}
	if e := m1.Events[3]; !e.Rest || e.Voice != 2 || e.Offset != 0 {
		t.Fatalf("voice 2 rest = %+v", e)
	}

	m2 := right.Measures[1]
	if !m2.RepeatEnd || m2.RepeatTimes != 3 || len(m2.Endings) != 1 || m2.Endings[0] != 1 {
		t.Fatalf("measure 2 markup = %+v", m2)
	}
	if len(m2.Events) != 1 || m2.Events[0].Pitch != 67 || m2.Events[0].Velocity != 45 {
		t.Fatalf("measure 2 events (grace skipped) = %+v", m2.Events)
	}

	m3 := right.Measures[2]
	if !m3.DaCapo || len(m3.Endings) != 2 || m3.Endings[1] != 3 {
		t.Fatalf("measure 3 markup = %+v", m3)
	}

	left := doc.Parts[1]
	if left.Measures[0].Duration != 2*TicksPerQuarter || left.Measures[1].Duration != 2*TicksPerQuarter {
		t.Fatalf("left durations = %d, %d", left.Measures[0].Duration, left.Measures[1].Duration)
	}
	if doc.NoteCount() != 6 {
		t.Fatalf("note count = %d, want 6", doc.NoteCount())
	}
}

func TestIngestCompressedContainer(t *testing.T) {
	p := filepath.Join(t.TempDir(), "page.mxl")
	writeContainer(t, p, map[string]string{
		"META-INF/container.xml": `<?xml version="1.0"?><container><rootfiles><rootfile full-path="score/page.xml"/></rootfiles></container>`,
		"score/page.xml":         twoPartScore,
		"decoy.xml":              `<score-timewise/>`,
	})

	doc, err := Ingest(p)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(doc.Parts) != 2 {
		t.Fatalf("parts = %d", len(doc.Parts))
	}
}

func TestIngestContainerWithoutManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "page.mxl")
	writeContainer(t, p, map[string]string{"page.musicxml": twoPartScore})

	if _, err := Ingest(p); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
}

func TestIngestMalformed(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		setup func() string
	}{
		{
			name: "corrupt container",
			setup: func() string {
				p := filepath.Join(dir, "corrupt.mxl")
				mustWriteFile(t, p, "not a zip")
				return p
			},
		},
		{
			name: "missing root file",
			setup: func() string {
				p := filepath.Join(dir, "missing.mxl")
				writeContainer(t, p, map[string]string{
					"META-INF/container.xml": `<container><rootfiles><rootfile full-path="nope.xml"/></rootfiles></container>`,
				})
				return p
			},
		},
		{
			name: "broken xml",
			setup: func() string {
				p := filepath.Join(dir, "broken.musicxml")
				mustWriteFile(t, p, "<score-partwise><part id=\"P1\">")
				return p
			},
		},
		{
			name: "no parts",
			setup: func() string {
				p := filepath.Join(dir, "empty.musicxml")
				mustWriteFile(t, p, "<score-partwise><part-list/></score-partwise>")
				return p
			},
		},
		{
			name: "timewise",
			setup: func() string {
				p := filepath.Join(dir, "timewise.musicxml")
				mustWriteFile(t, p, "<score-timewise><measure number=\"1\"/></score-timewise>")
				return p
			},
		},
		{
			name: "bad pitch",
			setup: func() string {
				p := filepath.Join(dir, "pitch.musicxml")
				mustWriteFile(t, p, `<score-partwise><part id="P1"><measure number="1"><note><pitch><step>H</step><octave>4</octave></pitch><duration>1</duration></note></measure></part></score-partwise>`)
				return p
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Ingest(tt.setup())
			if !errors.Is(err, ErrMalformedArtifact) {
				t.Fatalf("error = %v, want ErrMalformedArtifact", err)
			}
		})
	}
}

func TestIngestInvalidRepeatCountIsKeptForResolver(t *testing.T) {
	doc, err := Parse(strings.NewReader(`<score-partwise><part id="P1"><measure number="1">
<note><pitch><step>C</step><octave>4</octave></pitch><duration>1</duration></note>
<barline><repeat direction="backward" times="many"/></barline></measure></part></score-partwise>`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	m := doc.Parts[0].Measures[0]
	if !m.RepeatEnd || m.RepeatTimes != 0 {
		t.Fatalf("measure = %+v", m)
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := &Document{Parts: []*Part{{ID: "P1", Measures: []Measure{{Events: []Event{{Pitch: 60}}, Endings: []int{1}}}}}}
	cp := doc.Clone()
	cp.Parts[0].Measures[0].Events[0].Pitch = 61
	cp.Parts[0].Measures[0].Endings[0] = 2
	if doc.Parts[0].Measures[0].Events[0].Pitch != 60 || doc.Parts[0].Measures[0].Endings[0] != 1 {
		t.Fatal("clone shares memory with original")
	}
}
