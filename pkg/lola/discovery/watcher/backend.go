package watcher

// rawEvent is one filesystem notification, normalized across backends.
type rawEvent struct {
	Wd      int32
	Mask    uint32
	Name    string // basename inside the watched directory, empty for self-events
	Overflow bool
	SelfDeleted bool
}

// Event mask bits, normalized across backends (values chosen to match
// Linux's inotify(7) constants so the Linux backend can pass them through
// unmodified).
const (
	maskCreate     uint32 = 0x100
	maskDelete     uint32 = 0x200
	maskDeleteSelf uint32 = 0x400
	maskQOverflow  uint32 = 0x4000
)

// backend is the minimal inotify-shaped surface the watcher needs: add a
// recursive-free watch on a directory, remove it, block for a batch of
// events, and tear down. The Linux backend implements this directly over
// unix.InotifyInit1/AddWatch/Read; a portable fsnotify-backed
// implementation is used on non-Linux build targets purely so this
// package compiles there, since spec.md's crawler/watcher is specified in
// terms of Linux inotify semantics (IN_CREATE | IN_DELETE |
// IN_DELETE_SELF | IN_Q_OVERFLOW).
type backend interface {
	AddWatch(path string) (wd int32, err error)
	RemoveWatch(wd int32) error
	Read() ([]rawEvent, error)
	Close() error
}
