package model

import (
	"os"
	"path/filepath"
	"testing"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trained.mdl")
	m := &Model{
		Name:   "knn",
		Params: map[string]float64{"k": 7, "bandwidth": 0.02},
		Arrays: map[string][]float64{"weights": {0.1, 0.2, 0.7}},
		Meta:   map[string]string{"trained_on": "sample_v2"},
	}
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, m))

	data, err := codec.Read(path)
	require.Nil(t, err)
	require.Equal(t, m, data)

	n, err := codec.Length(path)
	require.Nil(t, err)
	require.Equal(t, 1, n)
}

func TestReadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trained.mdl")
	require.Nil(t, os.WriteFile(path, []byte("not a model"), 0644))
	_, err := CreateCodec().Read(path)
	require.IsType(t, errors.CorruptFileError{}, err)
}

func TestModelIsSingleRow(t *testing.T) {
	m := &Model{Name: "knn"}
	require.Equal(t, 1, m.NumRows())

	only, err := m.Slice(0, 1)
	require.Nil(t, err)
	require.Equal(t, m, only)

	_, err = m.Slice(0, 0)
	require.IsType(t, errors.UnsupportedOperationError{}, err)
	_, err = m.Append(&Model{})
	require.IsType(t, errors.UnsupportedOperationError{}, err)
}

func TestStreamingUnsupported(t *testing.T) {
	codec := CreateCodec()
	_, err := codec.InitializeWrite("m.mdl", &Model{}, 1, nil)
	require.IsType(t, errors.UnsupportedOperationError{}, err)
	_, err = codec.Iterator("m.mdl", rail.IteratorOpts{ChunkSize: 1})
	require.IsType(t, errors.UnsupportedOperationError{}, err)
}
