package ensemble

import (
	"math"
	"path/filepath"
	"testing"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/stretchr/testify/require"
)

// gaussians returns an ensemble of unit-width gaussians centered at the
// given means, sampled on a regular grid
func gaussians(t *testing.T, grid []float64, centers []float64) *Ensemble {
	t.Helper()
	vals := make([][]float64, len(centers))
	for i, c := range centers {
		row := make([]float64, len(grid))
		for j, x := range grid {
			row[j] = math.Exp(-0.5*(x-c)*(x-c)) / math.Sqrt(2*math.Pi)
		}
		vals[i] = row
	}
	e, err := CreateEnsemble(grid, vals)
	require.Nil(t, err)
	return e
}

func regularGrid(lo, hi float64, n int) []float64 {
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return grid
}

func TestCreateEnsembleValidatesWidths(t *testing.T) {
	_, err := CreateEnsemble([]float64{0, 1, 2}, [][]float64{{1, 2}})
	require.NotNil(t, err)
}

func TestSliceAppendRoundTrip(t *testing.T) {
	grid := regularGrid(-5, 5, 41)
	e := gaussians(t, grid, []float64{-1, 0, 1, 2})
	require.Nil(t, e.SetAncil("id", []float64{10, 11, 12, 13}))

	head, err := e.Slice(0, 2)
	require.Nil(t, err)
	tail, err := e.Slice(2, 4)
	require.Nil(t, err)
	whole, err := head.Append(tail)
	require.Nil(t, err)
	require.Equal(t, 4, whole.NumRows())
	ids, err := whole.(*Ensemble).Ancil("id")
	require.Nil(t, err)
	require.Equal(t, []float64{10, 11, 12, 13}, ids)
}

func TestNormAndEval(t *testing.T) {
	grid := regularGrid(-8, 8, 161)
	e := gaussians(t, grid, []float64{0})

	// a gaussian integrates to 1 over a wide grid
	require.InDelta(t, 1.0, e.Norm(0), 1e-3)
	// density at the center
	require.InDelta(t, 1/math.Sqrt(2*math.Pi), e.Eval(0, 0), 1e-3)
	// outside the grid
	require.Equal(t, 0.0, e.Eval(0, 100))
}

func TestPointEstimatorGaussian(t *testing.T) {
	grid := regularGrid(-8, 12, 201)
	e := gaussians(t, grid, []float64{0, 2.5})

	p, err := CreatePointEstimator([]string{PointMean, PointMode, PointMedian})
	require.Nil(t, err)
	require.Nil(t, p.Apply(e))

	// a symmetric unimodal distribution has mean = mode = median = center
	for _, name := range []string{PointMean, PointMode, PointMedian} {
		vals, err := e.Ancil(name)
		require.Nil(t, err)
		require.InDelta(t, 0.0, vals[0], 0.06, name)
		require.InDelta(t, 2.5, vals[1], 0.06, name)
	}
}

func TestPointEstimatorUnknownName(t *testing.T) {
	_, err := CreatePointEstimator([]string{"mean", "apex"})
	require.NotNil(t, err)
}

func TestCodecWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfs.rbe")
	grid := regularGrid(-5, 5, 21)
	e := gaussians(t, grid, []float64{-1, 0, 1})
	require.Nil(t, e.SetAncil("zmode", []float64{-1, 0, 1}))

	codec := CreateCodec()
	require.Nil(t, codec.Write(path, e))

	data, err := codec.Read(path)
	require.Nil(t, err)
	got := data.(*Ensemble)
	require.Equal(t, grid, got.Grid())
	require.Equal(t, e.Vals(), got.Vals())
	zmode, err := got.Ancil("zmode")
	require.Nil(t, err)
	require.Equal(t, []float64{-1, 0, 1}, zmode)

	n, err := codec.Length(path)
	require.Nil(t, err)
	require.Equal(t, 3, n)
}

func TestCodecChunkedWriteMatchesWholeWrite(t *testing.T) {
	dir := t.TempDir()
	grid := regularGrid(-5, 5, 21)
	whole := gaussians(t, grid, []float64{-2, -1, 0, 1, 2})
	require.Nil(t, whole.SetAncil("zmode", []float64{-2, -1, 0, 1, 2}))
	codec := CreateCodec()

	wholePath := filepath.Join(dir, "whole.rbe")
	require.Nil(t, codec.Write(wholePath, whole))

	chunkedPath := filepath.Join(dir, "chunked.rbe")
	session, err := codec.InitializeWrite(chunkedPath, whole, 5, nil)
	require.Nil(t, err)
	for _, c := range []rail.Chunk{{Start: 3, End: 5}, {Start: 0, End: 3}} {
		chunk, err := whole.Slice(c.Start, c.End)
		require.Nil(t, err)
		require.Nil(t, session.WriteChunk(c.Start, c.End, chunk))
	}
	require.Nil(t, session.Finalize())

	a, err := codec.Read(wholePath)
	require.Nil(t, err)
	b, err := codec.Read(chunkedPath)
	require.Nil(t, err)
	require.Equal(t, a, b)
}

func TestCodecIterator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfs.rbe")
	grid := regularGrid(-5, 5, 21)
	whole := gaussians(t, grid, []float64{-2, -1, 0, 1, 2})
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, whole))

	it, err := codec.Iterator(path, rail.IteratorOpts{ChunkSize: 2})
	require.Nil(t, err)
	total := 0
	for it.HasNext() {
		chunk, payload, err := it.NextChunk()
		require.Nil(t, err)
		got := payload.(*Ensemble)
		require.Equal(t, chunk.Len(), got.NumRows())
		require.Equal(t, whole.Vals()[chunk.Start], got.Vals()[0])
		total += chunk.Len()
	}
	require.Equal(t, 5, total)
}

func TestCodecIteratorEmptyWorkerShare(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfs.rbe")
	grid := regularGrid(-5, 5, 21)
	whole := gaussians(t, grid, []float64{-1, 0, 1})
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, whole))

	// one chunk covers every member, so the second worker has no share
	it, err := codec.Iterator(path, rail.IteratorOpts{ChunkSize: 3, Rank: 1, Size: 2})
	require.Nil(t, err)
	require.False(t, it.HasNext())
	_, _, err = it.NextChunk()
	require.IsType(t, errors.NoMoreChunksError{}, err)
}

func TestCodecRejectsUnfinalizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfs.rbe")
	grid := regularGrid(-5, 5, 21)
	whole := gaussians(t, grid, []float64{0, 1})
	codec := CreateCodec()
	session, err := codec.InitializeWrite(path, whole, 2, nil)
	require.Nil(t, err)
	require.Nil(t, session.WriteChunk(0, 2, whole))
	// no Finalize

	_, err = codec.Read(path)
	require.IsType(t, errors.CorruptFileError{}, err)
}
