package modeldb

import (
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *ModelDB {
	db, err := NewModelDB(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "models.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func plateModel(id string) *nn.ModelConfig {
	return &nn.ModelConfig{
		ID:          id,
		Category:    nn.CategoryPlateRegion,
		WeightsFile: "plates.tflite",
		Width:       320,
		Height:      320,
		Quantized:   true,
		Labels:      []string{"plate"},
		Rules:       []nn.Rule{{Label: "plate", Confidence: 0.5, NextModel: "ocr"}},
	}
}

func TestSaveAndLoad(t *testing.T) {
	db := createTestDB(t)
	require.NoError(t, db.SaveModel(plateModel("plates")))

	m, err := db.Model("plates")
	require.NoError(t, err)
	require.Equal(t, plateModel("plates"), m)

	_, err = db.Model("nope")
	require.ErrorIs(t, err, ErrNotFound)

	// Saving again replaces
	updated := plateModel("plates")
	updated.Rules[0].Confidence = 0.7
	require.NoError(t, db.SaveModel(updated))
	m, err = db.Model("plates")
	require.NoError(t, err)
	require.Equal(t, float32(0.7), m.Rules[0].Confidence)

	all, err := db.Models()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.Error(t, db.SaveModel(&nn.ModelConfig{}))
}

func TestModelsOrderedAndByWeights(t *testing.T) {
	db := createTestDB(t)
	require.NoError(t, db.SaveModel(plateModel("b")))
	require.NoError(t, db.SaveModel(plateModel("a")))
	other := plateModel("c")
	other.WeightsFile = "other.onnx"
	require.NoError(t, db.SaveModel(other))

	all, err := db.Models()
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "b", all[1].ID)
	require.Equal(t, "c", all[2].ID)

	ids, err := db.ModelsUsingWeights("plates.tflite")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestActiveModel(t *testing.T) {
	db := createTestDB(t)
	active, err := db.ActiveModel()
	require.NoError(t, err)
	require.Nil(t, active)

	require.ErrorIs(t, db.SetActiveModel("plates"), ErrNotFound)

	require.NoError(t, db.SaveModel(plateModel("plates")))
	require.NoError(t, db.SetActiveModel("plates"))
	active, err = db.ActiveModel()
	require.NoError(t, err)
	require.Equal(t, "plates", active.ID)

	// Deleting the active model clears it
	require.NoError(t, db.DeleteModel("plates"))
	active, err = db.ActiveModel()
	require.NoError(t, err)
	require.Nil(t, active)

	require.NoError(t, db.SaveModel(plateModel("plates")))
	require.NoError(t, db.SetActiveModel("plates"))
	require.NoError(t, db.SetActiveModel(""))
	active, err = db.ActiveModel()
	require.NoError(t, err)
	require.Nil(t, active)
}
