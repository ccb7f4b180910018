// Package modeldb is the local registry of model configurations.
package modeldb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/nn"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("Model not found")

type ModelDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create the model database
func NewModelDB(log logs.Log, dbFilename string) (*ModelDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0770)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open model database %v: %w", dbFilename, err)
	}
	return &ModelDB{
		Log: log,
		DB:  db,
	}, nil
}

func (m *ModelDB) Close() error {
	sqlDB, err := m.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveModel inserts or replaces the model with the same ID
func (m *ModelDB) SaveModel(cfg *nn.ModelConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("Model ID may not be empty")
	}
	var js dbh.JSONField[nn.ModelConfig]
	js.Data = *cfg
	rec := Model{
		ID:          cfg.ID,
		Category:    cfg.Category,
		WeightsFile: cfg.WeightsFile,
		Config:      &js,
		SavedAt:     dbh.MakeIntTime(time.Now()),
	}
	return m.DB.Save(&rec).Error
}

// Model returns the model with the given ID, or ErrNotFound
func (m *ModelDB) Model(id string) (*nn.ModelConfig, error) {
	recs := []Model{}
	if err := m.DB.Where("id = ?", id).Find(&recs).Error; err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return recs[0].config(), nil
}

// Models returns all models, ordered by ID
func (m *ModelDB) Models() ([]*nn.ModelConfig, error) {
	recs := []Model{}
	if err := m.DB.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	all := make([]*nn.ModelConfig, 0, len(recs))
	for i := range recs {
		all = append(all, recs[i].config())
	}
	return all, nil
}

// ModelsUsingWeights returns the IDs of models that reference the weights file
func (m *ModelDB) ModelsUsingWeights(weightsFile string) ([]string, error) {
	ids := []string{}
	if err := m.DB.Model(&Model{}).Where("weights_file = ?", weightsFile).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteModel removes the model. If it was the active model, then there is no longer an active model.
func (m *ModelDB) DeleteModel(id string) error {
	return m.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Delete(&Model{}).Error; err != nil {
			return err
		}
		return tx.Where("key = ? AND value = ?", string(VarActiveModel), id).Delete(&Variable{}).Error
	})
}

// SetActiveModel chooses the model that the pipeline runs. An empty id clears it.
func (m *ModelDB) SetActiveModel(id string) error {
	if id == "" {
		return m.DB.Where("key = ?", string(VarActiveModel)).Delete(&Variable{}).Error
	}
	if _, err := m.Model(id); err != nil {
		return err
	}
	return m.DB.Save(&Variable{Key: string(VarActiveModel), Value: id}).Error
}

// ActiveModel returns the active model, or nil if there is none
func (m *ModelDB) ActiveModel() (*nn.ModelConfig, error) {
	vars := []Variable{}
	if err := m.DB.Where("key = ?", string(VarActiveModel)).Find(&vars).Error; err != nil {
		return nil, err
	}
	if len(vars) == 0 || vars[0].Value == "" {
		return nil, nil
	}
	cfg, err := m.Model(vars[0].Value)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return cfg, err
}

func (r *Model) config() *nn.ModelConfig {
	cfg := &nn.ModelConfig{}
	if r.Config != nil {
		*cfg = r.Config.Data
	}
	// The columns are authoritative
	cfg.ID = r.ID
	cfg.Category = r.Category
	cfg.WeightsFile = r.WeightsFile
	return cfg
}
