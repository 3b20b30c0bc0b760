// Package pipeline declares the downstream AI collaborators: transcription
// and highlight analysis providers, and the Pipeline that drives them with
// stage progress callbacks. The providers are opaque; this repository ships
// simulated implementations only.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/clipforge/clipforge/internal/model"
)

// Segment is one span of transcribed speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Highlight is one clip-worthy span found by analysis.
type Highlight struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Result is what the pipeline hands back for a processed video.
type Result struct {
	Segments   []Segment   `json:"segments"`
	Highlights []Highlight `json:"highlights"`
}

// StageFunc reports pipeline stage and overall percentage.
type StageFunc func(stage string, percent float64)

// Transcriber converts audio into timed segments.
type Transcriber interface {
	Transcribe(ctx context.Context, videoURL, language string) ([]Segment, error)
}

// Analyzer finds highlight spans in a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, segments []Segment, maxHighlights int) ([]Highlight, error)
}

// Pipeline runs the full transcribe-then-analyze flow for one video.
type Pipeline interface {
	ProcessVideo(ctx context.Context, videoURL string, opts model.ProcessingOptions, onStage StageFunc) (*Result, error)
}

// Default chains a Transcriber and an Analyzer with stage reporting.
type Default struct {
	Transcriber Transcriber
	Analyzer    Analyzer
}

// ProcessVideo transcribes, then (optionally) detects highlights.
func (p *Default) ProcessVideo(ctx context.Context, videoURL string, opts model.ProcessingOptions, onStage StageFunc) (*Result, error) {
	report := func(stage string, pct float64) {
		if onStage != nil {
			onStage(stage, pct)
		}
	}
	report("transcribing", 10)
	segments, err := p.Transcriber.Transcribe(ctx, videoURL, opts.Language)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	report("transcribed", 60)

	res := &Result{Segments: segments}
	if opts.DetectHighlights {
		report("analyzing", 70)
		highlights, err := p.Analyzer.Analyze(ctx, segments, opts.MaxHighlights)
		if err != nil {
			return nil, fmt.Errorf("analyze: %w", err)
		}
		res.Highlights = highlights
	}
	report("done", 100)
	return res, nil
}

// SimulatedTranscriber stands in for a speech-to-text provider; it produces
// deterministic segments after a short delay.
type SimulatedTranscriber struct {
	Delay    time.Duration
	Segments int
}

func (t *SimulatedTranscriber) Transcribe(ctx context.Context, videoURL, language string) ([]Segment, error) {
	if err := sleep(ctx, t.Delay); err != nil {
		return nil, err
	}
	n := t.Segments
	if n <= 0 {
		n = 4
	}
	if language == "" {
		language = "en"
	}
	out := make([]Segment, n)
	for i := range out {
		out[i] = Segment{
			Start: float64(i) * 10,
			End:   float64(i)*10 + 10,
			Text:  fmt.Sprintf("[%s] segment %d of %s", language, i, videoURL),
		}
	}
	return out, nil
}

// SimulatedAnalyzer stands in for a highlight-detection provider.
type SimulatedAnalyzer struct {
	Delay time.Duration
}

func (a *SimulatedAnalyzer) Analyze(ctx context.Context, segments []Segment, maxHighlights int) ([]Highlight, error) {
	if err := sleep(ctx, a.Delay); err != nil {
		return nil, err
	}
	if maxHighlights <= 0 {
		maxHighlights = 3
	}
	out := make([]Highlight, 0, maxHighlights)
	for i, seg := range segments {
		if i%2 != 0 {
			continue
		}
		out = append(out, Highlight{
			Start: seg.Start,
			End:   seg.End,
			Title: fmt.Sprintf("Highlight %d", len(out)+1),
			Score: 1 - float64(len(out))*0.1,
		})
		if len(out) == maxHighlights {
			break
		}
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
