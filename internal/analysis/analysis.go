// Package analysis sends frames to the vision-language model and merges
// chunked answers into one result.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/gate"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
)

// DefaultCapacity is the most frames one model call may carry.
const DefaultCapacity = 30

// CallContext is the descriptive text sent alongside the frames.
type CallContext struct {
	MediaType       domain.MediaType
	DurationSeconds float64
	Resolution      string
	FrameCount      int
	// Part and Parts are 1-based and set only for chunk calls.
	Part       int
	Parts      int
	RangeStart float64
	RangeEnd   float64
}

// Call is one model invocation.
type Call struct {
	Frames       []domain.Frame
	Context      CallContext
	CustomPrompt string
}

// Output is what the model returned for one call.
type Output struct {
	Summary         string
	DetailedContent string
	Tags            []string
	Segments        []domain.Segment
}

// Model is a vision-language model.
type Model interface {
	Analyze(ctx context.Context, call Call) (Output, error)
	Name() string
}

// ChunkOutput is the answer for one contiguous frame range.
type ChunkOutput struct {
	Part       int
	RangeStart float64
	RangeEnd   float64
	Output     Output
}

// Synthesizer writes one overall description from chunk answers, without
// looking at frames.
type Synthesizer interface {
	Synthesize(ctx context.Context, chunks []ChunkOutput, customPrompt string) (Output, error)
}

// Gate bounds concurrent model calls.
type Gate interface {
	Do(ctx context.Context, stage gate.Stage, fn func(ctx context.Context) error) error
}

// Synthesis selects how chunk summaries become one.
type Synthesis string

const (
	SynthesisConcat Synthesis = "concat"
	SynthesisModel  Synthesis = "model"
)

// Input is everything the orchestrator needs for one task.
type Input struct {
	TaskID       string
	Frames       []domain.Frame
	Media        domain.MediaInfo
	MediaType    domain.MediaType
	Level        domain.Level
	CustomPrompt string
}

// Orchestrator runs single or chunked analysis.
type Orchestrator struct {
	model     Model
	synth     Synthesizer
	gate      Gate
	capacity  int
	synthesis Synthesis
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCapacity sets the per-call frame limit.
func WithCapacity(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithSynthesizer switches chunk merging to a second, text-only model pass.
func WithSynthesizer(s Synthesizer) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.synth = s
			o.synthesis = SynthesisModel
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New creates an Orchestrator. Every model call goes through g.
func New(model Model, g Gate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:     model,
		gate:      g,
		capacity:  DefaultCapacity,
		synthesis: SynthesisConcat,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Analyze describes an ordered frame set. Above capacity the frames are
// split into contiguous chunks analyzed concurrently; one failed chunk fails
// the whole analysis.
func (o *Orchestrator) Analyze(ctx context.Context, in Input) (*domain.AnalysisResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "analysis.Analyze")
	defer span.End()

	if len(in.Frames) == 0 {
		return nil, &domain.AnalysisFailedError{Reason: "no frames to analyze", NoRetry: true}
	}

	var (
		out    Output
		chunks int
		err    error
	)
	if len(in.Frames) <= o.capacity {
		chunks = 1
		out, err = o.single(ctx, in)
	} else {
		parts := Partition(in.Frames, o.capacity)
		chunks = len(parts)
		out, err = o.split(ctx, in, parts)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return o.result(in, out, chunks), nil
}

// AnalyzeImage describes a single image with one gated call.
func (o *Orchestrator) AnalyzeImage(ctx context.Context, in Input) (*domain.AnalysisResult, error) {
	if len(in.Frames) != 1 {
		return nil, &domain.AnalysisFailedError{Reason: fmt.Sprintf("image analysis needs exactly one frame, got %d", len(in.Frames)), NoRetry: true}
	}
	in.MediaType = domain.MediaImage
	out, err := o.single(ctx, in)
	if err != nil {
		return nil, err
	}
	return o.result(in, out, 1), nil
}

func (o *Orchestrator) single(ctx context.Context, in Input) (Output, error) {
	call := Call{
		Frames:       in.Frames,
		CustomPrompt: in.CustomPrompt,
		Context: CallContext{
			MediaType:       in.MediaType,
			DurationSeconds: in.Media.DurationSeconds,
			Resolution:      in.Media.Resolution,
			FrameCount:      len(in.Frames),
		},
	}
	out, err := o.call(ctx, "single", call)
	if err != nil {
		return Output{}, &domain.AnalysisFailedError{Reason: "model call failed", Err: err}
	}
	return out, nil
}

func (o *Orchestrator) split(ctx context.Context, in Input, parts [][]domain.Frame) (Output, error) {
	log := o.logger.With(slog.String("task_id", in.TaskID))
	log.Info("analyzing in chunks", slog.Int("frames", len(in.Frames)), slog.Int("chunks", len(parts)))

	results := make([]ChunkOutput, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, frames := range parts {
		start, end := chunkRange(parts, i, in.Media.DurationSeconds)
		call := Call{
			Frames:       frames,
			CustomPrompt: in.CustomPrompt,
			Context: CallContext{
				MediaType:       in.MediaType,
				DurationSeconds: in.Media.DurationSeconds,
				Resolution:      in.Media.Resolution,
				FrameCount:      len(frames),
				Part:            i + 1,
				Parts:           len(parts),
				RangeStart:      start,
				RangeEnd:        end,
			},
		}
		g.Go(func() error {
			out, err := o.call(gctx, "chunk", call)
			if err != nil {
				return fmt.Errorf("chunk %d/%d: %w", call.Context.Part, call.Context.Parts, err)
			}
			results[i] = ChunkOutput{Part: i + 1, RangeStart: start, RangeEnd: end, Output: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Output{}, &domain.AnalysisFailedError{Reason: "chunked analysis failed", Err: err, NoRetry: true}
	}

	merged := Merge(results)
	if o.synthesis == SynthesisModel && o.synth != nil {
		var synthesized Output
		err := o.gate.Do(ctx, gate.StageAnalysis, func(ctx context.Context) error {
			var err error
			synthesized, err = o.synth.Synthesize(ctx, results, in.CustomPrompt)
			return err
		})
		telemetry.AnalysisModelCalls.WithLabelValues("synthesis", outcome(err)).Inc()
		if err != nil {
			return Output{}, &domain.AnalysisFailedError{Reason: "summary synthesis failed", Err: err, NoRetry: true}
		}
		merged.Summary = synthesized.Summary
		merged.DetailedContent = synthesized.DetailedContent
	}
	return merged, nil
}

func (o *Orchestrator) call(ctx context.Context, kind string, call Call) (Output, error) {
	var out Output
	err := o.gate.Do(ctx, gate.StageAnalysis, func(ctx context.Context) error {
		var err error
		out, err = o.model.Analyze(ctx, call)
		return err
	})
	telemetry.AnalysisModelCalls.WithLabelValues(kind, outcome(err)).Inc()
	return out, err
}

func (o *Orchestrator) result(in Input, out Output, chunks int) *domain.AnalysisResult {
	segments := append(make([]domain.Segment, 0, len(out.Segments)), out.Segments...)
	domain.SortSegments(segments)
	return &domain.AnalysisResult{
		Summary:         out.Summary,
		DetailedContent: out.DetailedContent,
		Tags:            domain.MergeTags(out.Tags),
		Segments:        segments,
		Metadata: domain.ResultMetadata{
			FrameCount:      len(in.Frames),
			DurationSeconds: in.Media.DurationSeconds,
			Resolution:      in.Media.Resolution,
			Model:           o.model.Name(),
			Chunks:          chunks,
			ExtractionLevel: in.Level,
		},
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
