package tablefile

import (
	"os"
	"path/filepath"
	"testing"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/cluster"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/stretchr/testify/require"
)

func testTable(n int) *rail.Table {
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(i)
		y[i] = float64(i) * -2.5
	}
	tbl := rail.CreateTable()
	tbl.SetColumn("x", x)
	tbl.SetColumn("y", y)
	return tbl
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, testTable(7)))

	data, err := codec.Read(path)
	require.Nil(t, err)
	got := data.(*rail.Table)
	require.Equal(t, []string{"x", "y"}, got.ColumnNames())
	y, err := got.Column("y")
	require.Nil(t, err)
	require.Equal(t, []float64{0, -2.5, -5, -7.5, -10, -12.5, -15}, y)
}

func TestLengthProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, testTable(12)))

	n, err := codec.Length(path)
	require.Nil(t, err)
	require.Equal(t, 12, n)
}

func TestChunkedWriteMatchesWholeWrite(t *testing.T) {
	dir := t.TempDir()
	codec := CreateCodec()
	whole := testTable(10)

	wholePath := filepath.Join(dir, "whole.rbt")
	require.Nil(t, codec.Write(wholePath, whole))

	// the same rows written chunk by chunk, out of order
	chunkedPath := filepath.Join(dir, "chunked.rbt")
	session, err := codec.InitializeWrite(chunkedPath, whole, 10, nil)
	require.Nil(t, err)
	for _, c := range []rail.Chunk{{Start: 6, End: 10}, {Start: 0, End: 3}, {Start: 3, End: 6}} {
		chunk, err := whole.Slice(c.Start, c.End)
		require.Nil(t, err)
		require.Nil(t, session.WriteChunk(c.Start, c.End, chunk))
	}
	require.Nil(t, session.Finalize())

	a, err := os.ReadFile(wholePath)
	require.Nil(t, err)
	b, err := os.ReadFile(chunkedPath)
	require.Nil(t, err)
	require.Equal(t, a, b)
}

func TestSharedSessionSurvivesLateOpen(t *testing.T) {
	dir := t.TempDir()
	codec := CreateCodec()
	whole := testTable(10)

	wholePath := filepath.Join(dir, "whole.rbt")
	require.Nil(t, codec.Write(wholePath, whole))

	// rank 1 opens the shared path and writes its rows first; rank 0
	// opening afterwards must join the file, not recreate it
	sharedPath := filepath.Join(dir, "shared.rbt")
	group := cluster.LocalGroup(2)
	late, err := codec.InitializeWrite(sharedPath, whole, 10, group[1])
	require.Nil(t, err)
	tail, err := whole.Slice(5, 10)
	require.Nil(t, err)
	require.Nil(t, late.WriteChunk(5, 10, tail))

	root, err := codec.InitializeWrite(sharedPath, whole, 10, group[0])
	require.Nil(t, err)
	head, err := whole.Slice(0, 5)
	require.Nil(t, err)
	require.Nil(t, root.WriteChunk(0, 5, head))

	require.Nil(t, late.Finalize())
	require.Nil(t, root.Finalize())

	a, err := os.ReadFile(wholePath)
	require.Nil(t, err)
	b, err := os.ReadFile(sharedPath)
	require.Nil(t, err)
	require.Equal(t, a, b)
}

func TestSharedSessionOnlyRootSeals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.rbt")
	codec := CreateCodec()
	whole := testTable(4)
	group := cluster.LocalGroup(2)

	session, err := codec.InitializeWrite(path, whole, 4, group[1])
	require.Nil(t, err)
	require.Nil(t, session.WriteChunk(0, 4, whole))
	require.Nil(t, session.Finalize())

	// a non-root finalize leaves the file unsealed
	_, err = codec.Read(path)
	require.IsType(t, errors.CorruptFileError{}, err)
}

func TestSessionFinalizedErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	whole := testTable(4)
	session, err := codec.InitializeWrite(path, whole, 4, nil)
	require.Nil(t, err)
	require.Nil(t, session.WriteChunk(0, 4, whole))
	require.Nil(t, session.Finalize())

	require.IsType(t, errors.SessionFinalizedError{}, session.WriteChunk(0, 4, whole))
	require.IsType(t, errors.SessionFinalizedError{}, session.Finalize())
}

func TestUnfinalizedFileIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	whole := testTable(4)
	session, err := codec.InitializeWrite(path, whole, 4, nil)
	require.Nil(t, err)
	require.Nil(t, session.WriteChunk(0, 4, whole))
	// no Finalize: the footer is missing

	_, err = codec.Read(path)
	require.IsType(t, errors.CorruptFileError{}, err)

	// but the length probe still works from the header alone
	n, err := codec.Length(path)
	require.Nil(t, err)
	require.Equal(t, 4, n)
}

func TestWriteChunkValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	whole := testTable(4)
	session, err := codec.InitializeWrite(path, whole, 4, nil)
	require.Nil(t, err)

	// out of range
	require.NotNil(t, session.WriteChunk(2, 6, whole))
	// wrong chunk length for the declared range
	require.NotNil(t, session.WriteChunk(0, 2, whole))
	// missing column
	bad := rail.CreateTable()
	bad.SetColumn("x", []float64{1, 2, 3, 4})
	require.NotNil(t, session.WriteChunk(0, 4, bad))

	require.Nil(t, session.WriteChunk(0, 4, whole))
	require.Nil(t, session.Finalize())
}

func TestIteratorCoversWorkerShares(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, testTable(10)))

	// two workers together see every row exactly once
	seen := make(map[int]int)
	for rank := 0; rank < 2; rank++ {
		it, err := codec.Iterator(path, rail.IteratorOpts{ChunkSize: 3, Rank: rank, Size: 2})
		require.Nil(t, err)
		for it.HasNext() {
			chunk, payload, err := it.NextChunk()
			require.Nil(t, err)
			x, err := payload.(*rail.Table).Column("x")
			require.Nil(t, err)
			for i, v := range x {
				require.Equal(t, float64(chunk.Start+i), v)
				seen[chunk.Start+i]++
			}
		}
	}
	require.Len(t, seen, 10)
	for row, count := range seen {
		require.Equal(t, 1, count, "row %d", row)
	}
}

func TestIteratorEmptyWorkerShare(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, testTable(3)))

	// one chunk covers the whole file, so the second worker has no share
	it, err := codec.Iterator(path, rail.IteratorOpts{ChunkSize: 3, Rank: 1, Size: 2})
	require.Nil(t, err)
	require.False(t, it.HasNext())
	_, _, err = it.NextChunk()
	require.IsType(t, errors.NoMoreChunksError{}, err)
}

func TestCheckColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rbt")
	codec := CreateCodec()
	require.Nil(t, codec.Write(path, testTable(3)))

	require.Nil(t, codec.CheckColumns(path, []string{"x", "y"}))
	err := codec.CheckColumns(path, []string{"x", "z"})
	require.IsType(t, errors.MissingColumnsError{}, err)
}
