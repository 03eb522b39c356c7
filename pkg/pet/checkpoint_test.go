package pet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomistic-ml/nanopet/pkg/data"
	"github.com/atomistic-ml/nanopet/pkg/structures"
)

func forwardEnergy(t *testing.T, m *Model, sys *structures.System) float64 {
	t.Helper()
	result, err := m.Forward([]*structures.System{sys}, energyRequest(false), nil)
	require.NoError(t, err)
	block, err := result["energy"].Block()
	require.NoError(t, err)
	return block.Values.Data.At(0, 0)
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := testModel(t)
	sys := waterSystem(t, m.Hypers.Cutoff)
	want := forwardEnergy(t, m, sys)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	restored, err := Load(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.Hypers, restored.Hypers)
	assert.Equal(t, m.AtomicTypes, restored.AtomicTypes)
	assert.Equal(t, data.Float64, restored.DType())

	// Same weights, same prediction.
	got := forwardEnergy(t, restored, waterSystem(t, m.Hypers.Cutoff))
	assert.InDelta(t, want, got, 1e-12)
}

func TestCheckpointInfersFloat32(t *testing.T) {
	m := testModel(t)
	_, err := m.Export(data.Float32)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	restored, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, data.Float32, restored.DType())
}

func TestCheckpointRejectsGarbage(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte{0x00, 0x01, 0x02}))
	assert.Error(t, err)
}

func TestCheckpointSpeciesBufferFirst(t *testing.T) {
	m := testModel(t)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	restored, err := Load(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8}, restored.AtomicTypes)
}
