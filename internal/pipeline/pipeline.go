// Package pipeline runs one conversion job end to end: recognition, then
// ingest of every score with timbre and repeat resolution, then concurrent
// rendering and synthesis, then assembly of the final audio file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/sheet2audio/api-go/internal/blob"
	"github.com/example/sheet2audio/api-go/internal/instrument"
	"github.com/example/sheet2audio/api-go/internal/model"
	"github.com/example/sheet2audio/api-go/internal/progress"
	"github.com/example/sheet2audio/api-go/internal/render"
	"github.com/example/sheet2audio/api-go/internal/repeats"
	"github.com/example/sheet2audio/api-go/internal/score"
	"github.com/example/sheet2audio/api-go/internal/synth"
)

// Progress checkpoints.
const (
	pctStart     = 0
	pctRecognize = 10
	pctIngest    = 30
	pctConvert   = 50
	pctAssemble  = 90
)

type Recognizer interface {
	Recognize(ctx context.Context, imagePath, outDir string) ([]string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, perf *render.Performance, dir string, index int) (synth.Segment, error)
}

type Assembler interface {
	Assemble(ctx context.Context, segments []synth.Segment, finalPath string) error
}

// Policy decides what a per-score failure does to the job.
type Policy string

const (
	// PolicySkip leaves failed scores out of the final audio.
	PolicySkip Policy = "skip"
	// PolicyAbort fails the job on the first failed score.
	PolicyAbort Policy = "abort"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", raw)
	}
}

type Pipeline struct {
	Recognizer Recognizer
	Synth      Synthesizer
	Assembler  Assembler
	Catalog    *instrument.Catalog
	Reporter   progress.Reporter
	// Status is optional.
	Status StatusSink
	Blobs  blob.LocalFS
	// MaxParallelScores bounds concurrent per-score work; 0 means 1.
	MaxParallelScores int
	Policy            Policy
	Logger            *slog.Logger
}

// Request names the job and its inputs.
type Request struct {
	JobID      string
	ImagePath  string
	Instrument string
}

// Result describes a finished run. OutputPath is set only when Status is done.
type Result struct {
	JobID      string
	Status     model.JobStatus
	OutputPath string
	OutputKey  string
	Scores     int
	Skipped    int
	Message    string
}

// Run executes req. The returned error is nil only for a done job; a
// cancelled job returns the context error.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	logger := p.logger().With("jobId", req.JobID)
	tracker := progress.NewTracker(ctx, p.Reporter, req.JobID, logger)
	state := &jobState{ctx: ctx, jobID: req.JobID, status: model.JobIdle, sink: p.Status, logger: logger}
	ws := p.Blobs.Workspace(req.JobID)
	res := Result{JobID: req.JobID}

	fail := func(err error) (Result, error) {
		if ctx.Err() != nil {
			return p.cancelled(ctx, state, ws, res, logger)
		}
		logger.Error("job failed", "error", err)
		if tErr := state.transition(model.JobFailed); tErr != nil {
			logger.Error("record failure", "error", tErr)
		}
		res.Status = model.JobFailed
		res.Message = UserMessage(err)
		tracker.Fail(res.Message)
		return res, err
	}
	advance := func(status model.JobStatus, pct int, message string) error {
		if err := state.transition(status); err != nil {
			return stageErr(StageSetup, -1, err)
		}
		tracker.Update(pct, message)
		return nil
	}

	tracker.Update(pctStart, "Starting...")
	if err := ws.Reset(); err != nil {
		return fail(stageErr(StageSetup, -1, fmt.Errorf("prepare workspace: %w", err)))
	}

	if err := advance(model.JobRecognizing, pctRecognize, "Running notation recognition..."); err != nil {
		return fail(err)
	}
	artifacts, err := p.Recognizer.Recognize(ctx, req.ImagePath, ws.RecognitionDir())
	if err != nil {
		return fail(stageErr(StageRecognize, -1, err))
	}
	res.Scores = len(artifacts)
	logger.Info("recognition finished", "artifacts", len(artifacts))

	if err := advance(model.JobIngesting, pctIngest, fmt.Sprintf("Reading %d score(s)...", len(artifacts))); err != nil {
		return fail(err)
	}
	docs, failures, err := p.ingest(ctx, tracker, artifacts, req.Instrument, logger)
	if err != nil {
		return fail(err)
	}

	if err := advance(model.JobRendering, pctConvert, "Converting to audio..."); err != nil {
		return fail(err)
	}
	segments, failures, err := p.convert(ctx, tracker, docs, failures, ws.SegmentDir(), logger)
	if err != nil {
		return fail(err)
	}
	res.Skipped = len(failures)

	if err := advance(model.JobAssembling, pctAssemble, "Assembling audio..."); err != nil {
		return fail(err)
	}
	if err := p.Assembler.Assemble(ctx, segments, ws.ResultPath()); err != nil {
		return fail(stageErr(StageAssemble, -1, err))
	}
	if ctx.Err() != nil {
		return p.cancelled(ctx, state, ws, res, logger)
	}

	if err := state.transition(model.JobDone); err != nil {
		return fail(stageErr(StageSetup, -1, err))
	}
	if err := ws.RemoveWork(); err != nil {
		logger.Warn("remove work dir", "error", err)
	}
	res.Status = model.JobDone
	res.OutputPath = ws.ResultPath()
	res.OutputKey = blob.ResultKey(req.JobID)
	res.Message = "Done!"
	if res.Skipped > 0 {
		res.Message = fmt.Sprintf("Done! (skipped %d of %d scores)", res.Skipped, res.Scores)
		logger.Warn("scores skipped", "skipped", res.Skipped, "scores", res.Scores, "error", errors.Join(failures...))
	}
	tracker.Finish(res.Message)
	logger.Info("job done", "output", res.OutputKey, "segments", len(segments))
	return res, nil
}

func (p *Pipeline) cancelled(ctx context.Context, state *jobState, ws blob.Workspace, res Result, logger *slog.Logger) (Result, error) {
	logger.Info("job cancelled", "error", ctx.Err())
	if err := ws.Discard(); err != nil {
		logger.Warn("discard workspace", "error", err)
	}
	if err := state.transition(model.JobCancelled); err != nil {
		logger.Error("record cancellation", "error", err)
	}
	res.Status = model.JobCancelled
	res.Message = UserMessage(context.Canceled)
	return res, ctx.Err()
}

// ingest reads every artifact in order, assigns the timbre and resolves its
// repeats. Failed artifacts leave a nil document and an entry in failures.
func (p *Pipeline) ingest(ctx context.Context, tracker *progress.Tracker, artifacts []string, instrumentName string, logger *slog.Logger) ([]*score.Document, []error, error) {
	n := len(artifacts)
	if n == 0 {
		return nil, nil, ErrNoViableScores
	}
	docs := make([]*score.Document, n)
	failures := make([]error, n)
	viable := 0

	for i, artifact := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		doc, err := score.Ingest(artifact)
		if err != nil {
			err = stageErr(StageIngest, i, err)
			if p.Policy == PolicyAbort {
				return nil, nil, err
			}
			logger.Warn("score skipped", "index", i, "artifact", artifact, "error", err)
			failures[i] = err
		} else {
			timbre := p.catalog().Annotate(doc, instrumentName)
			resolved := repeats.Resolve(doc)
			if resolved.Outcome != repeats.Expanded {
				logger.Warn("repeat structure not expanded", "index", i, "outcome", resolved.Outcome, "error", resolved.Err)
			}
			logger.Debug("score ingested", "index", i, "timbre", timbre.Name, "parts", len(doc.Parts))
			docs[i] = resolved.Document
			viable++
		}
		tracker.Update(pctIngest+(pctConvert-pctIngest)*(i+1)/n,
			fmt.Sprintf("Read %d of %d score(s)...", i+1, n))
	}
	if viable == 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrNoViableScores, errors.Join(failures...))
	}
	return docs, failures, nil
}

// convert renders and synthesizes the ingested scores concurrently and
// returns the segments in artifact order together with every skipped failure.
func (p *Pipeline) convert(ctx context.Context, tracker *progress.Tracker, docs []*score.Document, failures []error, segDir string, logger *slog.Logger) ([]synth.Segment, []error, error) {
	n := 0
	for _, doc := range docs {
		if doc != nil {
			n++
		}
	}
	if n == 0 {
		return nil, nil, ErrNoViableScores
	}
	segments := make([]*synth.Segment, len(docs))

	var mu sync.Mutex
	finished := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.MaxParallelScores, 1))
	for i, doc := range docs {
		if doc == nil {
			continue
		}
		i, doc := i, doc
		g.Go(func() error {
			seg, err := p.convertScore(gctx, i, doc, segDir, logger)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if p.Policy == PolicyAbort {
					return err
				}
				logger.Warn("score skipped", "index", i, "error", err)
			}

			// Update runs under mu so "Converted i of n" never goes backwards.
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[i] = err
			} else {
				segments[i] = &seg
			}
			finished++
			tracker.Update(pctConvert+(pctAssemble-pctConvert)*finished/n,
				fmt.Sprintf("Converted %d of %d score(s)...", finished, n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}

	var out []synth.Segment
	var skipped []error
	for i := range docs {
		if segments[i] != nil {
			out = append(out, *segments[i])
		}
		if failures[i] != nil {
			skipped = append(skipped, failures[i])
		}
	}
	if len(out) == 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrNoViableScores, errors.Join(skipped...))
	}
	return out, skipped, nil
}

func (p *Pipeline) convertScore(ctx context.Context, index int, doc *score.Document, segDir string, logger *slog.Logger) (synth.Segment, error) {
	perf, err := render.Render(doc)
	if err != nil {
		return synth.Segment{}, stageErr(StageRender, index, err)
	}
	logger.Debug("score rendered", "index", index, "notes", perf.NoteCount(), "tracks", len(perf.Tracks))

	seg, err := p.Synth.Synthesize(ctx, perf, segDir, index)
	if err != nil {
		if ctx.Err() != nil {
			return synth.Segment{}, ctx.Err()
		}
		return synth.Segment{}, stageErr(StageSynthesize, index, err)
	}
	return seg, nil
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Pipeline) catalog() *instrument.Catalog {
	if p.Catalog == nil {
		return instrument.NewCatalog()
	}
	return p.Catalog
}
