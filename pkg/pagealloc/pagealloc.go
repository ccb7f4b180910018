package pagealloc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// System page size. Read at startup.
var pageSize uintptr

// Allocate 'size' bytes of memory, aligned to a page boundary.
func Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	raw := make([]byte, size+int(pageSize))
	offset := pageSize - (uintptr(unsafe.Pointer(&raw[0])) % pageSize)
	if offset == pageSize {
		offset = 0
	}
	return raw[offset : int(offset)+size]
}

// Returns the system page size
func PageSize() int {
	return int(pageSize)
}

// Round size up to the nearest page size
func RoundUpToPageSize(size int) int {
	return int((uintptr(size) + pageSize - 1) & ^(pageSize - 1))
}

// IsAligned returns true if buf starts on a page boundary
func IsAligned(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&buf[0]))%pageSize == 0
}

// Pool hands out page aligned buffers of one size.
// Allocating a fresh buffer for a 640x640x3 image is roughly 3x slower than clearing
// an existing one, so the working images sent to the NN are recycled.
type Pool struct {
	lock sync.Mutex
	size int
	free [][]byte
}

// Create a pool whose buffers are 'size' bytes
func NewPool(size int) *Pool {
	return &Pool{size: size}
}

// Size of the buffers handed out by this pool
func (p *Pool) Size() int {
	return p.size
}

// Get returns a buffer of Size() bytes. The contents are undefined.
func (p *Pool) Get() []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	if n := len(p.free); n != 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf
	}
	return Alloc(p.size)
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped.
func (p *Pool) Put(buf []byte) {
	if len(buf) != p.size {
		return
	}
	p.lock.Lock()
	p.free = append(p.free, buf)
	p.lock.Unlock()
}

func init() {
	pageSize = uintptr(unix.Getpagesize())
}
