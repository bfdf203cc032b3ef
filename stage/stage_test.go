package stage

import (
	"path/filepath"
	"testing"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/codec/tablefile"
	"github.com/sidratresearch/rail-base-sub000/datastore"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/stretchr/testify/require"
)

func testDef() Def {
	return Def{
		Class:   "Doubler",
		Inputs:  []IOTag{{Tag: "input", Codec: tablefile.CreateCodec()}},
		Outputs: []IOTag{{Tag: "output", Codec: tablefile.CreateCodec()}},
		Options: Options{},
	}
}

func testStage(t *testing.T, name string, store *datastore.Store, config map[string]interface{}) *Stage {
	t.Helper()
	s, err := New(name, testDef(), store, nil, config)
	require.Nil(t, err)
	return s
}

func testTable(n int) *rail.Table {
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(i)
	}
	tbl := rail.CreateTable()
	tbl.SetColumn("x", x)
	return tbl
}

// doubled returns a chunk with every value multiplied by two
func doubled(data rail.Payload) *rail.Table {
	in := data.(*rail.Table)
	x, _ := in.Column("x")
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = 2 * v
	}
	tbl := rail.CreateTable()
	tbl.SetColumn("x", out)
	return tbl
}

// fakeComm stands in for a worker group without any communication
type fakeComm struct {
	rank int
	size int
}

func (c *fakeComm) Rank() int      { return c.rank }
func (c *fakeComm) Size() int      { return c.size }
func (c *fakeComm) Barrier() error { return nil }
func (c *fakeComm) Bcast(buf []byte, root int) ([]byte, error) {
	return buf, nil
}
func (c *fakeComm) Gather(buf []byte) ([][]byte, error) {
	return [][]byte{buf}, nil
}
func (c *fakeComm) Reduce(vals []float64, op rail.ReduceOp) ([]float64, error) {
	return vals, nil
}

func TestTagsAliasedPerInstance(t *testing.T) {
	store := datastore.CreateStore()
	first := testStage(t, "first", store, nil)
	second := testStage(t, "second", store, nil)

	// two instances of the same class do not collide in the store
	require.Nil(t, first.SetData("output", testTable(3)))
	require.Nil(t, second.SetData("output", testTable(5)))
	require.Equal(t, "output_first", first.AliasedTag("output"))
	require.Equal(t, "output_second", second.AliasedTag("output"))
	require.Equal(t, 2, store.Len())
}

func TestGetHandleMissing(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, nil)

	_, err := s.GetHandle("input", false)
	require.IsType(t, errors.MissingDataError{}, err)

	// allowMissing registers a fresh empty handle instead
	h, err := s.GetHandle("input", true)
	require.Nil(t, err)
	require.False(t, h.HasData())
	require.Equal(t, "input_test", h.Tag())
}

func TestSetDataPayload(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, nil)

	// attach a stale path first; assigning fresh data must clear it
	h, err := s.AddHandle("input", nil, "stale.rbt")
	require.Nil(t, err)
	require.True(t, h.HasPath())

	require.Nil(t, s.SetData("input", testTable(4)))
	require.False(t, h.HasPath())
	data, err := s.GetData("input")
	require.Nil(t, err)
	require.Equal(t, 4, data.NumRows())
}

func TestSetDataPath(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, nil)

	// a path that does not exist on disk is rejected up front
	err := s.SetData("input", filepath.Join(t.TempDir(), "nope.rbt"))
	require.IsType(t, errors.FileNotFoundError{}, err)

	path := filepath.Join(t.TempDir(), "data.rbt")
	require.Nil(t, tablefile.CreateCodec().Write(path, testTable(6)))
	require.Nil(t, s.SetData("input", path))
	h, err := s.GetHandle("input", false)
	require.Nil(t, err)
	require.True(t, h.HasData())
}

func TestSetDataHandleAliasesInput(t *testing.T) {
	store := datastore.CreateStore()
	producer := testStage(t, "producer", store, nil)
	consumer := testStage(t, "consumer", store, nil)

	require.Nil(t, producer.SetData("output", testTable(3)))
	upstream, err := producer.GetHandle("output", false)
	require.Nil(t, err)

	require.Nil(t, consumer.SetData("input", upstream))
	require.Equal(t, "output_producer", consumer.AliasedTag("input"))

	// the consumer resolves straight to the producer's handle
	h, err := consumer.GetHandle("input", false)
	require.Nil(t, err)
	require.Equal(t, upstream, h)
}

func TestConnectInputDefaultsToFirstTags(t *testing.T) {
	store := datastore.CreateStore()
	producer := testStage(t, "producer", store, nil)
	consumer := testStage(t, "consumer", store, nil)

	require.Nil(t, producer.SetData("output", testTable(3)))
	require.Nil(t, consumer.ConnectInput(producer, "", ""))

	data, err := consumer.GetData("input")
	require.Nil(t, err)
	require.Equal(t, 3, data.NumRows())
}

func TestInputIteratorOverFile(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, nil)
	path := filepath.Join(t.TempDir(), "data.rbt")
	require.Nil(t, tablefile.CreateCodec().Write(path, testTable(5)))
	_, err := s.AddHandle("input", nil, path)
	require.Nil(t, err)

	it, err := s.InputIterator("input", 2)
	require.Nil(t, err)
	require.Equal(t, 5, s.InputLength())

	var chunks []rail.Chunk
	for it.HasNext() {
		chunk, payload, err := it.NextChunk()
		require.Nil(t, err)
		require.Equal(t, chunk.Len(), payload.NumRows())
		chunks = append(chunks, chunk)
	}
	require.Equal(t, []rail.Chunk{{Start: 0, End: 2}, {Start: 2, End: 4}, {Start: 4, End: 5}}, chunks)
}

func TestInputIteratorShrinksChunkSize(t *testing.T) {
	// 5 rows at chunk size 100 is one chunk, but four workers each need
	// work: the chunk size shrinks to ceil(5/4) = 2
	store := datastore.CreateStore()
	path := filepath.Join(t.TempDir(), "data.rbt")
	require.Nil(t, tablefile.CreateCodec().Write(path, testTable(5)))

	seen := make(map[int]int)
	for rank := 0; rank < 4; rank++ {
		s, err := New("test", testDef(), store, &fakeComm{rank: rank, size: 4}, nil)
		require.Nil(t, err)
		store.SetAllowOverwrite(true)
		_, err = s.AddHandle("input", nil, path)
		require.Nil(t, err)
		it, err := s.InputIterator("input", 100)
		require.Nil(t, err)
		for it.HasNext() {
			chunk, _, err := it.NextChunk()
			require.Nil(t, err)
			require.LessOrEqual(t, chunk.Len(), 2)
			for row := chunk.Start; row < chunk.End; row++ {
				seen[row]++
			}
		}
	}
	require.Len(t, seen, 5)
	for row, count := range seen {
		require.Equal(t, 1, count, "row %d", row)
	}
}

func TestInputIteratorInMemoryIsOneChunk(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, nil)
	require.Nil(t, s.SetData("input", testTable(7)))

	it, err := s.InputIterator("input", 2)
	require.Nil(t, err)
	chunk, payload, err := it.NextChunk()
	require.Nil(t, err)
	require.Equal(t, rail.Chunk{Start: 0, End: 7}, chunk)
	require.Equal(t, 7, payload.NumRows())
	require.False(t, it.HasNext())
}

func TestInputIteratorWithNeitherIsEmpty(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, nil)

	it, err := s.InputIterator("input", 2)
	require.Nil(t, err)
	require.False(t, it.HasNext())
	require.Equal(t, 0, s.InputLength())
}

func TestRunStreamsDefaultOutput(t *testing.T) {
	dir := t.TempDir()
	store := datastore.CreateStore()
	s := testStage(t, "test", store, map[string]interface{}{"chunk_size": 2})
	inPath := filepath.Join(dir, "in.rbt")
	require.Nil(t, tablefile.CreateCodec().Write(inPath, testTable(5)))
	require.Nil(t, s.SetData("input", inPath))
	outPath := filepath.Join(dir, "out.rbt")
	_, err := s.AddHandle("output", nil, outPath)
	require.Nil(t, err)

	err = s.Run(nil, func(chunk rail.Chunk, data []rail.Payload, first bool) error {
		return s.WriteChunkOutput("output", chunk, doubled(data[0]))
	}, func() error {
		_, err := s.FinalizeOutput("output")
		return err
	})
	require.Nil(t, err)
	require.Equal(t, Done, s.State())

	data, err := tablefile.CreateCodec().Read(outPath)
	require.Nil(t, err)
	x, err := data.(*rail.Table).Column("x")
	require.Nil(t, err)
	require.Equal(t, []float64{0, 2, 4, 6, 8}, x)
}

func TestRunStreamsSharedOutputAcrossWorkers(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.rbt")
	require.Nil(t, tablefile.CreateCodec().Write(inPath, testTable(5)))
	outPath := filepath.Join(dir, "out.rbt")

	// both workers stream their chunks into one file; the non-root
	// worker runs first, so the root's later session must join the file
	// it already wrote to rather than recreate it
	for _, rank := range []int{1, 0} {
		store := datastore.CreateStore()
		s, err := New("test", testDef(), store, &fakeComm{rank: rank, size: 2}, map[string]interface{}{"chunk_size": 2})
		require.Nil(t, err)
		require.Nil(t, s.SetData("input", inPath))
		_, err = s.AddHandle("output", nil, outPath)
		require.Nil(t, err)
		err = s.Run(nil, func(chunk rail.Chunk, data []rail.Payload, first bool) error {
			return s.WriteChunkOutput("output", chunk, doubled(data[0]))
		}, func() error {
			_, err := s.FinalizeOutput("output")
			return err
		})
		require.Nil(t, err)
	}

	data, err := tablefile.CreateCodec().Read(outPath)
	require.Nil(t, err)
	x, err := data.(*rail.Table).Column("x")
	require.Nil(t, err)
	require.Equal(t, []float64{0, 2, 4, 6, 8}, x)
}

func TestRunReturnModeConcatenatesInOrder(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, map[string]interface{}{
		"chunk_size":  2,
		"output_mode": "return",
	})
	path := filepath.Join(t.TempDir(), "in.rbt")
	require.Nil(t, tablefile.CreateCodec().Write(path, testTable(5)))
	require.Nil(t, s.SetData("input", path))

	var result rail.Payload
	err := s.Run(nil, func(chunk rail.Chunk, data []rail.Payload, first bool) error {
		return s.WriteChunkOutput("output", chunk, doubled(data[0]))
	}, func() error {
		out, err := s.FinalizeOutput("output")
		result = out
		return err
	})
	require.Nil(t, err)

	// chunks are concatenated ascending and no file is written
	x, err := result.(*rail.Table).Column("x")
	require.Nil(t, err)
	require.Equal(t, []float64{0, 2, 4, 6, 8}, x)
	h, err := s.GetHandle("output", false)
	require.Nil(t, err)
	require.False(t, h.HasPath())
}

func TestRunFailureMarksStage(t *testing.T) {
	store := datastore.CreateStore()
	s := testStage(t, "test", store, nil)
	require.Nil(t, s.SetData("input", testTable(2)))

	err := s.Run(nil, func(chunk rail.Chunk, data []rail.Payload, first bool) error {
		return errors.NoDataError{Tag: "boom"}
	}, nil)
	require.NotNil(t, err)
	require.Equal(t, Failed, s.State())
	require.Contains(t, err.Error(), "test")
}
