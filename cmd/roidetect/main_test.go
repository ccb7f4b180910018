package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestChooseModelWithLabelsFile(t *testing.T) {
	log := logs.NewTestingLog(t)
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "plates.json")
	labelsFile := filepath.Join(dir, "plates.txt")
	require.NoError(t, os.WriteFile(modelFile, []byte(`{"id": "plates", "category": "cascade_a", "weightsFile": "plates.onnx", "width": 320, "height": 320}`), 0644))
	require.NoError(t, os.WriteFile(labelsFile, []byte("plate\n"), 0644))

	model, err := chooseModel(log, nil, modelFile, labelsFile, false)
	require.NoError(t, err)
	require.Equal(t, []string{"plate"}, model.Labels)

	model, err = chooseModel(log, nil, modelFile, "", false)
	require.NoError(t, err)
	require.Empty(t, model.Labels)

	_, err = chooseModel(log, nil, modelFile, filepath.Join(dir, "missing.txt"), false)
	require.Error(t, err)

	_, err = chooseModel(log, nil, modelFile, labelsFile, true)
	require.Error(t, err)

	model, err = chooseModel(log, nil, "", labelsFile, false)
	require.NoError(t, err)
	require.Nil(t, model)
}

func TestResultCollectorTake(t *testing.T) {
	c := &resultCollector{results: map[uint64]*nn.FrameResult{}}
	c.OnResult(&nn.FrameResult{Seq: 3})
	require.Equal(t, uint64(3), c.take(3).Seq)
	require.Nil(t, c.take(3))
	require.Empty(t, c.results)
}
