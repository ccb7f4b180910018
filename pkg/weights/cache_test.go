package weights

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// Counts how many times each file is physically mapped
type countingMapper struct {
	inner  Mapper
	lock   sync.Mutex
	opens  map[string]int
	closes int
}

type countingRegion struct {
	Region
	m *countingMapper
}

func (r *countingRegion) Close() error {
	r.m.lock.Lock()
	r.m.closes++
	r.m.lock.Unlock()
	return r.Region.Close()
}

func newCountingMapper() *countingMapper {
	return &countingMapper{inner: MmapMapper{}, opens: map[string]int{}}
}

func (m *countingMapper) Map(path string) (Region, error) {
	r, err := m.inner.Map(path)
	if err != nil {
		return nil, err
	}
	m.lock.Lock()
	m.opens[filepath.Base(path)]++
	m.lock.Unlock()
	return &countingRegion{Region: r, m: m}, nil
}

func (m *countingMapper) Opens(name string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.opens[name]
}

func (m *countingMapper) Closes() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closes
}

func writeFile(t *testing.T, dir, name string, size int) {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0644))
}

func newTestCache(t *testing.T, maxBytes int64, revalidate bool) (*Cache, *countingMapper, string) {
	dir := t.TempDir()
	mapper := newCountingMapper()
	c := NewCache(logs.NewTestingLog(t), Config{
		Dir:        dir,
		MaxBytes:   maxBytes,
		Revalidate: revalidate,
		Mapper:     mapper,
	})
	t.Cleanup(c.Close)
	return c, mapper, dir
}

func TestAcquireTwiceMapsOnce(t *testing.T) {
	c, mapper, dir := newTestCache(t, 0, false)
	writeFile(t, dir, "a.tflite", 100)

	m1, err := c.Acquire("a.tflite")
	require.NoError(t, err)
	m2, err := c.Acquire("a.tflite")
	require.NoError(t, err)
	require.Same(t, m1, m2)
	require.Equal(t, 1, mapper.Opens("a.tflite"))
	require.Equal(t, 100, len(m1.Bytes()))
	require.Equal(t, byte(99), m1.Bytes()[99])

	s := c.Stats()
	require.Equal(t, 1, s.Entries)
	require.Equal(t, 1, s.Pinned)
	require.Equal(t, int64(1), s.Hits)
	require.Equal(t, int64(1), s.Misses)

	m1.Release()
	m2.Release()
	require.Equal(t, 0, c.Stats().Pinned)
}

func TestConcurrentFirstUse(t *testing.T) {
	c, mapper, dir := newTestCache(t, 0, false)
	writeFile(t, dir, "a.onnx", 4096)

	const n = 16
	results := make([]*Mapping, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.Acquire("a.onnx")
			if err == nil {
				results[i] = m
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NotNil(t, results[i])
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, 1, mapper.Opens("a.onnx"))
}

func TestFailuresAreNotCached(t *testing.T) {
	c, mapper, dir := newTestCache(t, 0, false)

	_, err := c.Acquire("missing.tflite")
	require.ErrorIs(t, err, os.ErrNotExist)

	writeFile(t, dir, "missing.tflite", 10)
	m, err := c.Acquire("missing.tflite")
	require.NoError(t, err)
	require.Equal(t, 10, len(m.Bytes()))
	require.Equal(t, 1, mapper.Opens("missing.tflite"))
	m.Release()

	writeFile(t, dir, "empty.tflite", 0)
	_, err = c.Acquire("empty.tflite")
	require.ErrorIs(t, err, ErrEmptyFile)
	require.Equal(t, 1, c.Stats().Entries)
	require.Equal(t, int64(2), c.Stats().Failures)
}

func TestEvictLeastRecentlyUsed(t *testing.T) {
	c, mapper, dir := newTestCache(t, 10, false)
	writeFile(t, dir, "a", 6)
	writeFile(t, dir, "b", 6)

	a, err := c.Acquire("a")
	require.NoError(t, err)
	a.Release()

	b, err := c.Acquire("b")
	require.NoError(t, err)
	s := c.Stats()
	require.Equal(t, 1, s.Entries)
	require.Equal(t, int64(6), s.Bytes)
	require.Equal(t, int64(1), s.Evictions)
	require.Equal(t, 1, mapper.Closes())
	b.Release()

	a, err = c.Acquire("a")
	require.NoError(t, err)
	require.Equal(t, 2, mapper.Opens("a"))
	a.Release()
}

func TestPinnedMappingsAreNotEvicted(t *testing.T) {
	c, mapper, dir := newTestCache(t, 10, false)
	writeFile(t, dir, "a", 6)
	writeFile(t, dir, "b", 6)

	a, err := c.Acquire("a")
	require.NoError(t, err)
	b, err := c.Acquire("b")
	require.NoError(t, err)

	// Both pinned, so we stay over budget
	require.Equal(t, int64(12), c.Stats().Bytes)
	require.Equal(t, 0, mapper.Closes())
	require.Equal(t, 6, len(a.Bytes()))

	// Once released, the least recently used one can go
	b.Release()
	require.Equal(t, int64(6), c.Stats().Bytes)
	require.Equal(t, 1, mapper.Closes())
	a.Release()
}

func TestRetainKeepsMappingAlive(t *testing.T) {
	c, mapper, dir := newTestCache(t, 0, false)
	writeFile(t, dir, "a", 6)

	a, err := c.Acquire("a")
	require.NoError(t, err)
	a.Retain()
	a.Release()

	c.Purge()
	require.Equal(t, 1, c.Stats().Entries)
	require.Equal(t, 0, mapper.Closes())

	a.Release()
	c.Purge()
	require.Equal(t, 0, c.Stats().Entries)
	require.Equal(t, 1, mapper.Closes())
}

func TestRevalidate(t *testing.T) {
	c, mapper, dir := newTestCache(t, 0, true)
	writeFile(t, dir, "a", 6)

	a1, err := c.Acquire("a")
	require.NoError(t, err)

	writeFile(t, dir, "a", 8)
	a2, err := c.Acquire("a")
	require.NoError(t, err)
	require.NotSame(t, a1, a2)
	require.Equal(t, 8, len(a2.Bytes()))
	require.Equal(t, 2, mapper.Opens("a"))

	// The old mapping is still valid until released
	require.Equal(t, 6, len(a1.Bytes()))
	a1.Release()
	require.Nil(t, a1.Bytes())
	a2.Release()
}

func TestAcquireAfterClose(t *testing.T) {
	c, _, dir := newTestCache(t, 0, false)
	writeFile(t, dir, "a", 6)
	c.Close()
	_, err := c.Acquire("a")
	require.ErrorIs(t, err, ErrClosed)
}

func TestExistsAndPath(t *testing.T) {
	c, _, dir := newTestCache(t, 0, false)
	require.False(t, c.Exists("a"))
	writeFile(t, dir, "a", 1)
	require.True(t, c.Exists("a"))
	require.Equal(t, filepath.Join(dir, "a"), c.Path("a"))
	require.Equal(t, "/abs/model.tflite", c.Path("/abs/model.tflite"))
}
