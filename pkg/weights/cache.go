// Package weights keeps model weight files memory-mapped, so that
// consecutive frames do not reload the model from disk.
package weights

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/sync/singleflight"
)

var ErrEmptyFile = errors.New("weights file is empty")
var ErrClosed = errors.New("weights cache is closed")

// Config for a weights cache
type Config struct {
	Dir        string // Relative file names are resolved against this directory
	MaxBytes   int64  // Soft limit on the total size of unpinned mappings. Zero means unbounded.
	Revalidate bool   // Stat the file on every Acquire, and remap it if the size or modification time changed
	Mapper     Mapper // If nil, MmapMapper is used
}

// Cache maps weight files on first use, and hands out the same mapping for
// subsequent requests. A mapping is pinned while it has been acquired and not
// yet released. Only unpinned mappings are evicted.
type Cache struct {
	log        logs.Log
	dir        string
	maxBytes   int64
	revalidate bool
	mapper     Mapper
	group      singleflight.Group

	lock      sync.Mutex
	items     map[string]*Mapping
	bytesUsed int64
	tick      int64
	closed    bool
	hits      int64
	misses    int64
	evictions int64
	failures  int64
}

// Mapping is a shared, read-only view of a weights file.
// Bytes() is valid until the final Release.
type Mapping struct {
	cache    *Cache
	name     string
	path     string
	region   Region
	size     int64
	modTime  time.Time
	pins     int
	lastUsed int64
	retired  bool // No longer in the cache. Unmapped when the last pin is released.
}

// Snapshot of cache state
type Stats struct {
	Entries   int   `json:"entries"`
	Pinned    int   `json:"pinned"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Failures  int64 `json:"failures"`
}

func NewCache(log logs.Log, cfg Config) *Cache {
	mapper := cfg.Mapper
	if mapper == nil {
		mapper = MmapMapper{}
	}
	return &Cache{
		log:        log,
		dir:        cfg.Dir,
		maxBytes:   cfg.MaxBytes,
		revalidate: cfg.Revalidate,
		mapper:     mapper,
		items:      map[string]*Mapping{},
	}
}

// Path returns the location on disk of a weights file
func (c *Cache) Path(fileName string) string {
	if filepath.IsAbs(fileName) || c.dir == "" {
		return fileName
	}
	return filepath.Join(c.dir, fileName)
}

// Exists returns true if the weights file is present on disk.
// Integrity of the file is the responsibility of whoever put it there.
func (c *Cache) Exists(fileName string) bool {
	st, err := os.Stat(c.Path(fileName))
	return err == nil && !st.IsDir()
}

// Acquire returns the mapping of fileName, creating it if necessary.
// The returned mapping is pinned, and the caller must Release it.
// Errors are never cached, so a failed Acquire is retried on the next call.
func (c *Cache) Acquire(fileName string) (*Mapping, error) {
	path := c.Path(fileName)

	var info os.FileInfo
	if c.revalidate {
		var err error
		if info, err = os.Stat(path); err != nil {
			c.countFailure()
			return nil, err
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		if m := c.lookup(fileName, info); m != nil {
			return m, nil
		}
		v, err, _ := c.group.Do(fileName, func() (any, error) {
			return c.load(fileName, path, info)
		})
		if err != nil {
			c.countFailure()
			return nil, err
		}
		m := v.(*Mapping)
		c.lock.Lock()
		if !m.retired {
			c.pinLocked(m)
			c.lock.Unlock()
			return m, nil
		}
		// Evicted between being loaded and being pinned by us
		c.lock.Unlock()
	}
	return nil, fmt.Errorf("Unable to pin weights file %v", fileName)
}

// Find a valid entry and pin it
func (c *Cache) lookup(fileName string, info os.FileInfo) *Mapping {
	c.lock.Lock()
	defer c.lock.Unlock()
	m := c.items[fileName]
	if m == nil {
		return nil
	}
	if info != nil && (info.Size() != m.size || !info.ModTime().Equal(m.modTime)) {
		c.log.Infof("Weights file %v changed on disk, remapping", fileName)
		c.retireLocked(m)
		return nil
	}
	c.hits++
	c.pinLocked(m)
	return m
}

func (c *Cache) load(fileName, path string, info os.FileInfo) (*Mapping, error) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, ErrClosed
	}
	if existing := c.items[fileName]; existing != nil {
		// Another caller loaded it after our lookup
		c.lock.Unlock()
		return existing, nil
	}
	c.lock.Unlock()

	if info == nil {
		var err error
		if info, err = os.Stat(path); err != nil {
			return nil, err
		}
	}
	region, err := c.mapper.Map(path)
	if err != nil {
		return nil, err
	}
	if len(region.Bytes()) == 0 {
		region.Close()
		return nil, fmt.Errorf("%w: %v", ErrEmptyFile, path)
	}

	m := &Mapping{
		cache:   c,
		name:    fileName,
		path:    path,
		region:  region,
		size:    int64(len(region.Bytes())),
		modTime: info.ModTime(),
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		region.Close()
		return nil, ErrClosed
	}
	m.lastUsed = c.tick
	c.tick++
	c.items[fileName] = m
	c.bytesUsed += m.size
	c.misses++
	c.log.Infof("Mapped weights file %v (%.1f MB)", path, float64(m.size)/(1024*1024))
	c.purgeStaleLocked(m)
	return m, nil
}

func (c *Cache) pinLocked(m *Mapping) {
	m.pins++
	m.lastUsed = c.tick
	c.tick++
}

// Remove from the cache, and unmap if nobody is using it
func (c *Cache) retireLocked(m *Mapping) {
	if m.retired {
		return
	}
	m.retired = true
	if c.items[m.name] == m {
		delete(c.items, m.name)
	}
	c.bytesUsed -= m.size
	if m.pins == 0 {
		c.unmapLocked(m)
	}
}

func (c *Cache) unmapLocked(m *Mapping) {
	if m.region == nil {
		return
	}
	if err := m.region.Close(); err != nil {
		c.log.Errorf("Failed to unmap weights file %v: %v", m.path, err)
	}
	m.region = nil
}

// Evict unpinned mappings, least recently used first, until we're under budget.
// 'keep' is never evicted.
func (c *Cache) purgeStaleLocked(keep *Mapping) {
	if c.maxBytes <= 0 || c.bytesUsed <= c.maxBytes {
		return
	}
	unused := []*Mapping{}
	for _, m := range c.items {
		if m.pins == 0 && m != keep {
			unused = append(unused, m)
		}
	}
	sort.Slice(unused, func(i, j int) bool {
		return unused[i].lastUsed < unused[j].lastUsed
	})
	for _, m := range unused {
		if c.bytesUsed <= c.maxBytes {
			break
		}
		c.log.Debugf("Evicting weights file %v", m.name)
		c.retireLocked(m)
		c.evictions++
	}
}

func (c *Cache) countFailure() {
	c.lock.Lock()
	c.failures++
	c.lock.Unlock()
}

// Purge unmaps all mappings that are not pinned
func (c *Cache) Purge() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, m := range c.items {
		if m.pins == 0 {
			c.retireLocked(m)
			c.evictions++
		}
	}
}

// Close the cache. Unpinned mappings are unmapped immediately, and pinned
// mappings are unmapped when they are released. Acquire fails after Close.
func (c *Cache) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	for _, m := range c.items {
		c.retireLocked(m)
	}
}

func (c *Cache) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := Stats{
		Entries:   len(c.items),
		Bytes:     c.bytesUsed,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Failures:  c.failures,
	}
	for _, m := range c.items {
		if m.pins != 0 {
			s.Pinned++
		}
	}
	return s
}

// Bytes of the mapped file. Do not modify.
func (m *Mapping) Bytes() []byte {
	m.cache.lock.Lock()
	defer m.cache.lock.Unlock()
	if m.region == nil {
		return nil
	}
	return m.region.Bytes()
}

// The file name that this mapping was acquired with
func (m *Mapping) Name() string {
	return m.name
}

// Full path on disk
func (m *Mapping) Path() string {
	return m.path
}

func (m *Mapping) Size() int64 {
	return m.size
}

// Retain adds a pin. Every Retain must be balanced by a Release.
func (m *Mapping) Retain() {
	m.cache.lock.Lock()
	m.pins++
	m.cache.lock.Unlock()
}

// Release removes a pin
func (m *Mapping) Release() {
	c := m.cache
	c.lock.Lock()
	defer c.lock.Unlock()
	if m.pins <= 0 {
		c.log.Errorf("Weights mapping %v released more times than it was acquired", m.name)
		return
	}
	m.pins--
	if m.pins == 0 {
		if m.retired {
			c.unmapLocked(m)
		} else {
			c.purgeStaleLocked(nil)
		}
	}
}
