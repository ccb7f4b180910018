// Package config is the JSON configuration of the detection service
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/roidetect/server/pipeline"
)

// Default name of the config file, in the working directory
const DefaultFilename = "roidetect.json"

type Config struct {
	ModelDir          string `json:"modelDir"`          // Directory that holds weights files and model JSON files
	ModelDB           string `json:"modelDB"`           // SQLite database of models written by the model sync service. Empty = no database.
	MaxWeightsMB      int    `json:"maxWeightsMB"`      // Limit on mapped weights that are not in use (0 = unlimited)
	RevalidateWeights bool   `json:"revalidateWeights"` // Remap weights files that change on disk
	ResizeQuality     string `json:"resizeQuality"`     // "low" or "high"
	NumThreads        int    `json:"numThreads"`        // Threads per inference engine (0 = engine default)
	ListenAddr        string `json:"listenAddr"`        // eg ":8090". Empty disables the HTTP server.
	ErrorLogSeconds   int    `json:"errorLogSeconds"`   // Minimum interval between logged analysis errors
	OnnxLibrary       string `json:"onnxLibrary"`       // Path to onnxruntime shared library. Empty uses the system default.
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		ModelDir:        "models",
		MaxWeightsMB:    512,
		ResizeQuality:   "low",
		ListenAddr:      ":8090",
		ErrorLogSeconds: 15,
	}
}

// LoadConfig reads a JSON config file. Fields that are absent from the file keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := pipeline.ParseResizeQuality(c.ResizeQuality); err != nil {
		return err
	}
	if c.MaxWeightsMB < 0 {
		return fmt.Errorf("maxWeightsMB may not be negative")
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("numThreads may not be negative")
	}
	return nil
}

// PipelineConfig converts the file config into the pipeline's config
func (c *Config) PipelineConfig() pipeline.Config {
	quality, _ := pipeline.ParseResizeQuality(c.ResizeQuality)
	return pipeline.Config{
		ModelDir:          c.ModelDir,
		MaxWeightsBytes:   int64(c.MaxWeightsMB) * 1024 * 1024,
		RevalidateWeights: c.RevalidateWeights,
		ResizeQuality:     quality,
		NumThreads:        c.NumThreads,
	}
}

func (c *Config) ErrorLogInterval() time.Duration {
	return time.Duration(c.ErrorLogSeconds) * time.Second
}
