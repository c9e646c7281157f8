package shm

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cuemby/lola/pkg/log"
	"github.com/cuemby/lola/pkg/lolaerr"
)

// Arena is a contiguous memory region backed by a shared-memory file and
// mapped into this process's address space. Every participant maps the
// same file at whatever address the OS picks for it; callers never store
// raw pointers into the region, only byte Offsets reconstructed through
// the Arena that mapped them (spec.md §9's intrusive-offset discipline).
type Arena struct {
	path string
	file *os.File
	data []byte

	mu     sync.Mutex
	closed bool
}

// Create creates (or truncates) the shared-memory file at path, sizes it
// to size bytes, and maps it read-write.
func Create(path string, size int) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", lolaerr.ErroneousFileHandle, path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s to %d: %v", lolaerr.ErroneousFileHandle, path, size, err)
	}
	return mapArena(path, f, size)
}

// Open maps an existing shared-memory file at path read-write. The file's
// current size is used as the mapping length.
func Open(path string) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", lolaerr.ErroneousFileHandle, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", lolaerr.ErroneousFileHandle, path, err)
	}
	return mapArena(path, f, int(info.Size()))
}

func mapArena(path string, f *os.File, size int) (*Arena, error) {
	if size == 0 {
		return &Arena{path: path, file: f, data: nil}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", lolaerr.ErroneousFileHandle, path, err)
	}
	return &Arena{path: path, file: f, data: data}, nil
}

// Path returns the backing file path.
func (a *Arena) Path() string { return a.path }

// Size returns the mapped region's length in bytes.
func (a *Arena) Size() int { return len(a.data) }

// Bytes returns the full mapped region. Callers reconstruct typed views
// via offsets into this slice; the Arena owns the allocation for its
// entire lifetime.
func (a *Arena) Bytes() []byte { return a.data }

// At returns a byte slice of length n starting at offset, bounds-checked.
// Used to reconstruct a typed reference (e.g. via unsafe.Pointer) from a
// stored offset rather than a process-specific pointer.
func (a *Arena) At(offset, n int) []byte {
	if offset < 0 || n < 0 || offset+n > len(a.data) {
		log.WithComponent("shm").Fatal().
			Str("path", a.path).
			Int("offset", offset).
			Int("len", n).
			Int("size", len(a.data)).
			Msg("shared-memory offset out of bounds")
	}
	return a.data[offset : offset+n]
}

// BasePointer returns the mapping's base address as an unsafe.Pointer,
// solely so offset-based accessors can reconstruct typed pointers for
// structures that require true pointer arithmetic (e.g. atomic words).
// Never persisted: every process that maps this Arena gets its own base
// address, and only offsets relative to it are ever written into the
// segment.
func (a *Arena) BasePointer() unsafe.Pointer {
	if len(a.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&a.data[0])
}

// Close unmaps the region and closes the backing file descriptor. It does
// not remove the file; removal is the Factory's job once no participant
// holds it mapped.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	if len(a.data) > 0 {
		if err := unix.Munmap(a.data); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: closing %s: %v", lolaerr.ErroneousFileHandle, a.path, errs)
	}
	return nil
}
