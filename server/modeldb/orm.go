package modeldb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/roidetect/pkg/nn"
)

// Model is a ModelConfig that the model sync service has delivered to this device.
// Category and WeightsFile are copies of fields inside Config, so that they can be queried.
type Model struct {
	ID          string                         `gorm:"primaryKey" json:"id"`
	Category    nn.Category                    `json:"category"`
	WeightsFile string                         `json:"weightsFile"`
	Config      *dbh.JSONField[nn.ModelConfig] `json:"config"`
	SavedAt     dbh.IntTime                    `json:"savedAt"`
}

type Variable struct {
	Key   string `gorm:"primaryKey" json:"key"`
	Value string `json:"value"`
}

// VariableKey is a setting that is stored in the 'variable' table
type VariableKey string

const (
	VarActiveModel VariableKey = "ActiveModel" // ID of the model that the pipeline runs
)
