package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/infer"
	"github.com/cyclopcam/roidetect/pkg/infer/cvdnn"
	"github.com/cyclopcam/roidetect/pkg/infer/onnx"
	"github.com/cyclopcam/roidetect/pkg/infer/tflite"
	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/cyclopcam/roidetect/pkg/ocr/tesseract"
	"github.com/cyclopcam/roidetect/server/config"
	"github.com/cyclopcam/roidetect/server/modeldb"
	"github.com/cyclopcam/roidetect/server/pipeline"
	"github.com/cyclopcam/roidetect/server/roistream"
	"github.com/cyclopcam/roidetect/server/telemetry"
	"github.com/fogleman/gg"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// One line of output per input image
type imageResult struct {
	File   string          `json:"file"`
	Seq    uint64          `json:"seq"`
	Result *nn.FrameResult `json:"result"` // nil if nothing was found
}

// Everything served by /api/stats
type serviceStats struct {
	Pipeline pipeline.Stats     `json:"pipeline"`
	Stream   roistream.HubStats `json:"stream"`
	Errors   telemetry.Summary  `json:"errors"`
	Backends []string           `json:"backends"`
}

// Remembers results by frame sequence number
type resultCollector struct {
	lock    sync.Mutex
	results map[uint64]*nn.FrameResult
}

func (c *resultCollector) OnResult(r *nn.FrameResult) {
	c.lock.Lock()
	c.results[r.Seq] = r
	c.lock.Unlock()
}

func (c *resultCollector) take(seq uint64) *nn.FrameResult {
	c.lock.Lock()
	defer c.lock.Unlock()
	r := c.results[seq]
	delete(c.results, seq)
	return r
}

func main() {
	parser := argparse.NewParser("roidetect", "Find regions of interest in camera frames")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (JSON)", Default: ""})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "Model config file (JSON). If not given, the active model in the model database is used.", Default: ""})
	modelDir := parser.String("", "modeldir", &argparse.Options{Help: "Directory of weights files (overrides config)", Default: ""})
	dbFile := parser.String("", "db", &argparse.Options{Help: "Model database (overrides config)", Default: ""})
	labelsFile := parser.String("l", "labels", &argparse.Options{Help: "Class file with one label per line, for models whose config has no labels", Default: ""})
	register := parser.Flag("", "register", &argparse.Options{Help: "Save the model given by -m into the model database, and make it active", Default: false})
	images := parser.StringList("i", "image", &argparse.Options{Help: "Image file to analyze (may be repeated)"})
	annotateDir := parser.String("a", "annotate", &argparse.Options{Help: "Write annotated PNG images into this directory", Default: ""})
	quality := parser.Selector("q", "quality", []string{"low", "high"}, &argparse.Options{Help: "Resize quality (overrides config)"})
	serve := parser.Flag("s", "serve", &argparse.Options{Help: "Serve results over HTTP after processing images, until killed", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg := config.Default()
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		check(err)
	}
	if *modelDir != "" {
		cfg.ModelDir = *modelDir
	}
	if *dbFile != "" {
		cfg.ModelDB = *dbFile
	}
	if *quality != "" {
		cfg.ResizeQuality = *quality
	}
	check(cfg.Validate())

	var db *modeldb.ModelDB
	if cfg.ModelDB != "" {
		db, err = modeldb.NewModelDB(logger, cfg.ModelDB)
		check(err)
		defer db.Close()
	}

	model, err := chooseModel(logger, db, *modelFile, *labelsFile, *register)
	check(err)

	backends := infer.NewRegistry()
	backends.Register(tflite.Backend{})
	backends.Register(&onnx.Backend{LibraryPath: cfg.OnnxLibrary})
	opencv := &cvdnn.Backend{}
	backends.Register(opencv)
	backends.SetFallback(opencv)
	logger.Infof("Inference backends: %v", strings.Join(backends.Names(), ", "))

	reporter := telemetry.NewLogReporter(logger, cfg.ErrorLogInterval())
	collector := &resultCollector{results: map[uint64]*nn.FrameResult{}}
	hub := roistream.NewHub(logger)

	p, err := pipeline.New(logger, cfg.PipelineConfig(), pipeline.Deps{
		Backends:   backends,
		OpenReader: tesseract.Open,
		Telemetry:  reporter,
	})
	check(err)
	defer p.Close()
	p.SetListener(pipeline.Listeners{collector, hub})
	p.SetModel(model)

	if *annotateDir != "" {
		check(os.MkdirAll(*annotateDir, 0770))
	}

	// Analyze one image at a time, so that no frame is superseded by the next
	encoder := json.NewEncoder(os.Stdout)
	for _, file := range *images {
		frame, err := readFrame(file)
		if err != nil {
			logger.Errorf("Failed to read %v: %v", file, err)
			continue
		}
		seq := p.Analyze(frame)
		p.Flush()
		result := collector.take(seq)
		check(encoder.Encode(&imageResult{File: file, Seq: seq, Result: result}))
		if *annotateDir != "" {
			out := filepath.Join(*annotateDir, strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))+".png")
			if err := gg.SavePNG(out, annotate(&frame, result)); err != nil {
				logger.Errorf("Failed to write %v: %v", out, err)
			}
		}
	}

	// Nothing takes results from the collector after this
	p.SetListener(hub)

	s := p.Stats()
	logger.Infof("Analyzed %v frames (%v skipped, %v failed). %v", s.FramesAnalyzed, s.FramesSkipped, s.FramesFailed, s.Timing)

	if !*serve {
		return
	}

	srv := roistream.NewServer(logger, hub, func() any {
		return &serviceStats{
			Pipeline: p.Stats(),
			Stream:   hub.Stats(),
			Errors:   reporter.Summary(),
			Backends: backends.Names(),
		}
	})
	srv.AcceptFrames(func(encoded []byte) (uint64, error) {
		frame, err := decodeFrame(encoded)
		if err != nil {
			return 0, err
		}
		return p.Analyze(frame), nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// Load the model from a JSON file, or from the model database
func chooseModel(log logs.Log, db *modeldb.ModelDB, modelFile, labelsFile string, register bool) (*nn.ModelConfig, error) {
	if modelFile != "" {
		model, err := nn.LoadModelConfig(modelFile)
		if err != nil {
			return nil, err
		}
		if err := applyLabels(log, model, labelsFile); err != nil {
			return nil, err
		}
		if register {
			if db == nil {
				return nil, errors.New("--register needs a model database")
			}
			if err := db.SaveModel(model); err != nil {
				return nil, err
			}
			if err := db.SetActiveModel(model.ID); err != nil {
				return nil, err
			}
			log.Infof("Model %v is now active", model.ID)
		}
		return model, nil
	}
	if db == nil {
		log.Warnf("No model file or model database. Nothing will be detected")
		return nil, nil
	}
	model, err := db.ActiveModel()
	if err != nil {
		return nil, err
	}
	if model == nil {
		log.Warnf("The model database has no active model. Nothing will be detected")
		return nil, nil
	}
	if err := applyLabels(log, model, labelsFile); err != nil {
		return nil, err
	}
	return model, nil
}

func applyLabels(log logs.Log, model *nn.ModelConfig, labelsFile string) error {
	if labelsFile == "" {
		return nil
	}
	applied, err := model.ApplyClassFile(labelsFile)
	if err != nil {
		return fmt.Errorf("Error loading labels: %w", err)
	}
	if applied {
		log.Infof("Loaded %v labels from %v", len(model.Labels), labelsFile)
	} else {
		log.Infof("Model %v has its own labels. Ignoring %v", model.ID, labelsFile)
	}
	return nil
}
