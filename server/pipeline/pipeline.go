// Package pipeline runs the configured model over camera frames, and delivers
// regions of interest to a listener.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/detector"
	"github.com/cyclopcam/roidetect/pkg/infer"
	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/cyclopcam/roidetect/pkg/ocr"
	"github.com/cyclopcam/roidetect/pkg/perfstats"
	"github.com/cyclopcam/roidetect/pkg/rules"
	"github.com/cyclopcam/roidetect/pkg/weights"
	"github.com/cyclopcam/roidetect/server/telemetry"
)

type Config struct {
	ModelDir          string        // Weights files are relative to this directory
	MaxWeightsBytes   int64         // Limit on memory-mapped weights that are not in use (0 = unlimited)
	RevalidateWeights bool          // Remap a weights file if it changes on disk
	ResizeQuality     ResizeQuality // Filter used to resample frames to the model input size
	NumThreads        int           // Threads per inference engine (0 = engine default)
}

// Collaborators of the pipeline. All fields are optional.
type Deps struct {
	Backends   *infer.Registry                  // Inference engines. Without any, tensor models produce errors.
	OpenReader ocr.OpenFunc                     // Text reader for TextRecognition models
	Telemetry  telemetry.Reporter               // Receives errors from the analysis goroutine. Defaults to a LogReporter.
	Mapper     weights.Mapper                   // Maps weights files into memory. Defaults to mmap.
	Detectors  map[nn.Category]detector.Factory // Replace or add detectors for specific categories
}

// Counters and timings of a pipeline
type Stats struct {
	FramesSubmitted  uint64                 `json:"framesSubmitted"`
	FramesAnalyzed   int64                  `json:"framesAnalyzed"`   // Frames that reached the detector
	FramesDropped    int64                  `json:"framesDropped"`    // Frames replaced by a newer frame before analysis started
	FramesSkipped    int64                  `json:"framesSkipped"`    // No model, an inert model, or missing weights
	FramesFailed     int64                  `json:"framesFailed"`     // Errors and panics
	ResultsDelivered int64                  `json:"resultsDelivered"` // Listener invocations
	Timing           perfstats.StageSummary `json:"timing"`
	Weights          weights.Stats          `json:"weights"`
}

// Pipeline analyzes frames on a single background goroutine.
// All methods are safe to call from any goroutine.
//
// Frames are analyzed one at a time, in the order that they were submitted.
// If frames arrive faster than they can be analyzed, then only the most recent
// frame is kept, and older frames are dropped without being analyzed.
// Model and listener changes are queued along with frames, so a frame is
// always analyzed with the model that was set before the frame was submitted.
type Pipeline struct {
	log       logs.Log
	config    Config
	telemetry telemetry.Reporter
	weights   *weights.Cache
	detectors *detector.Registry
	mailbox   *mailbox
	stopped   chan struct{}
	closeOnce sync.Once

	analyzed  atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	delivered atomic.Int64
	timing    perfstats.StageTimes

	// Everything below is owned by the consumer goroutine
	model         *nn.ModelConfig
	listener      Listener
	transform     nn.TransformPair
	hasTransform  bool
	images        imageBuffers
	warnedMissing map[string]bool
}

// Create a pipeline and start its goroutine
func New(log logs.Log, config Config, deps Deps) (*Pipeline, error) {
	if config.ModelDir != "" {
		if st, err := os.Stat(config.ModelDir); err != nil {
			return nil, fmt.Errorf("Model directory: %w", err)
		} else if !st.IsDir() {
			return nil, fmt.Errorf("Model directory %v is not a directory", config.ModelDir)
		}
	}
	reporter := deps.Telemetry
	if reporter == nil {
		reporter = telemetry.NewLogReporter(log, 0)
	}
	cache := weights.NewCache(log, weights.Config{
		Dir:        config.ModelDir,
		MaxBytes:   config.MaxWeightsBytes,
		Revalidate: config.RevalidateWeights,
		Mapper:     deps.Mapper,
	})
	detectors := detector.NewRegistry(detector.Deps{
		Log:        log,
		Backends:   deps.Backends,
		OpenReader: deps.OpenReader,
		Options:    infer.Options{NumThreads: config.NumThreads},
	})
	for category, factory := range deps.Detectors {
		detectors.Register(category, factory)
	}

	p := &Pipeline{
		log:           log,
		config:        config,
		telemetry:     reporter,
		weights:       cache,
		detectors:     detectors,
		mailbox:       newMailbox(),
		stopped:       make(chan struct{}),
		warnedMissing: map[string]bool{},
	}
	go p.run()
	return p, nil
}

// SetModel changes the model used for frames submitted after this call.
// A nil model stops analysis. The config is copied, so the caller may reuse it.
func (p *Pipeline) SetModel(model *nn.ModelConfig) {
	var m *nn.ModelConfig
	if model != nil {
		c := *model
		c.Labels = slices.Clone(model.Labels)
		c.Rules = slices.Clone(model.Rules)
		m = &c
	}
	p.mailbox.putCommand(func() {
		p.setModel(m)
	})
}

// SetListener changes the receiver of results, for frames submitted after this call.
func (p *Pipeline) SetListener(listener Listener) {
	p.mailbox.putCommand(func() {
		p.listener = listener
	})
}

// Analyze submits a frame for analysis, and returns immediately.
// The pipeline owns the frame's pixels until the frame has been analyzed or dropped.
// Returns the frame's sequence number, which is echoed in FrameResult.Seq.
// Returns 0 if the pipeline is closed.
func (p *Pipeline) Analyze(frame nn.Frame) uint64 {
	seq, _ := p.mailbox.putFrame(frame)
	return seq
}

// Flush blocks until all submitted frames and commands have been processed
func (p *Pipeline) Flush() {
	p.mailbox.waitIdle()
}

func (p *Pipeline) Stats() Stats {
	p.mailbox.lock.Lock()
	submitted := p.mailbox.nextSeq
	p.mailbox.lock.Unlock()
	return Stats{
		FramesSubmitted:  submitted,
		FramesAnalyzed:   p.analyzed.Load(),
		FramesDropped:    p.mailbox.droppedFrames(),
		FramesSkipped:    p.skipped.Load(),
		FramesFailed:     p.failed.Load(),
		ResultsDelivered: p.delivered.Load(),
		Timing:           p.timing.Summary(),
		Weights:          p.weights.Stats(),
	}
}

// Close stops the background goroutine, and releases detectors and weights.
// Frames that have not yet been started are discarded.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mailbox.close()
		<-p.stopped
		err = p.detectors.Close()
		p.weights.Close()
	})
	return err
}

func (p *Pipeline) run() {
	defer close(p.stopped)
	for {
		item, ok := p.mailbox.next()
		if !ok {
			return
		}
		if item.command != nil {
			p.runCommand(item.command)
		} else {
			p.process(item.frame)
		}
		p.mailbox.done()
	}
}

func (p *Pipeline) runCommand(cmd func()) {
	defer func() {
		if r := recover(); r != nil {
			p.telemetry.ReportError(fmt.Errorf("Panic in pipeline command: %v", r))
		}
	}()
	cmd()
}

func (p *Pipeline) setModel(m *nn.ModelConfig) {
	p.model = m
	if m == nil {
		p.log.Infof("Pipeline model cleared")
		return
	}
	if err := m.Validate(); err != nil {
		p.log.Warnf("%v", err)
	}
	p.log.Infof("Pipeline model is now '%v' (%v, %vx%v, %v rules)", m.ID, m.Category, m.Width, m.Height, len(m.Rules))
}

// Analyze a frame, and make sure that nothing escapes
func (p *Pipeline) process(qf *queuedFrame) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.telemetry.ReportError(fmt.Errorf("Panic while analyzing frame %v: %v", qf.seq, r))
		}
	}()
	if err := p.analyzeFrame(qf); err != nil {
		p.failed.Add(1)
		p.telemetry.ReportError(fmt.Errorf("Error analyzing frame %v: %w", qf.seq, err))
	}
}

func (p *Pipeline) analyzeFrame(qf *queuedFrame) error {
	model := p.model
	frame := &qf.frame
	if model == nil || !model.Active() || len(model.Rules) == 0 || frame.Width <= 0 || frame.Height <= 0 {
		p.skipped.Add(1)
		return nil
	}
	if !p.weights.Exists(model.WeightsFile) {
		// The model sync service hasn't delivered the weights yet
		if !p.warnedMissing[model.WeightsFile] {
			p.log.Warnf("Weights file %v not found. Skipping analysis until it appears", p.weights.Path(model.WeightsFile))
			p.warnedMissing[model.WeightsFile] = true
		}
		p.skipped.Add(1)
		return nil
	}
	delete(p.warnedMissing, model.WeightsFile)

	if err := frame.Validate(); err != nil {
		return err
	}

	if !p.hasTransform || !p.transform.Matches(frame.Width, frame.Height, model.Width, model.Height) {
		xform, err := nn.MakeTransformPair(frame.Width, frame.Height, model.Width, model.Height, 0)
		if errors.Is(err, nn.ErrDegenerateTransform) {
			p.skipped.Add(1)
			return nil
		} else if err != nil {
			return err
		}
		p.transform = xform
		p.hasTransform = true
	}

	start := time.Now()
	img := p.images.prepare(frame, &p.transform, p.config.ResizeQuality)
	p.timing.Prepare.Update(time.Since(start))

	mapping, err := p.weights.Acquire(model.WeightsFile)
	if err != nil {
		return err
	}
	defer mapping.Release()

	start = time.Now()
	dets, err := p.detectors.Detect(model.Category, &detector.Input{
		Image:         img,
		Width:         model.Width,
		Height:        model.Height,
		Weights:       mapping,
		Labels:        model.ResolvedLabels(),
		Quantized:     model.Quantized,
		NumDetections: model.NumDetections,
		Mean:          model.Mean,
		Std:           model.NormStd(),
		MinConfidence: model.MinRuleConfidence(),
	})
	p.timing.Detect.Update(time.Since(start))
	if err != nil {
		return err
	}
	p.analyzed.Add(1)

	start = time.Now()
	regions := rules.Apply(model.Category, dets, model.Rules, p.transform.Inverse, frame.Width, frame.Height)
	p.timing.Filter.Update(time.Since(start))

	if len(regions) == 0 || p.listener == nil {
		return nil
	}
	p.delivered.Add(1)
	p.listener.OnResult(&nn.FrameResult{
		Seq:         qf.seq,
		ModelID:     model.ID,
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		Regions:     regions,
		Elapsed:     time.Since(qf.submitted),
	})
	return nil
}
