//go:build linux

package watcher

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// inotifyBackend is the Linux backend, talking directly to the inotify(7)
// syscalls per spec.md §4.J / §6.
type inotifyBackend struct {
	fd int
}

func newBackend() (backend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	return &inotifyBackend{fd: fd}, nil
}

const watchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF | unix.IN_Q_OVERFLOW

func (b *inotifyBackend) AddWatch(path string) (int32, error) {
	wd, err := unix.InotifyAddWatch(b.fd, path, watchMask)
	if err != nil {
		return 0, fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	return int32(wd), nil
}

func (b *inotifyBackend) RemoveWatch(wd int32) error {
	_, err := unix.InotifyRmWatch(b.fd, uint32(wd))
	return err
}

func (b *inotifyBackend) Close() error {
	return unix.Close(b.fd)
}

// Read blocks on a single read(2) of the inotify fd and parses every
// event in the returned buffer. A closed fd (via Close, from a stop
// callback) surfaces as a read error, which the worker loop interprets
// as "stop requested" per spec.md §5.
func (b *inotifyBackend) Read() ([]rawEvent, error) {
	buf := make([]byte, 64*(unix.SizeofInotifyEvent+256))
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("inotify: short read")
	}

	var events []rawEvent
	offset := 0
	for offset+unix.SizeofInotifyEvent <= n {
		wd := int32(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		mask := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])
		nameLen := binary.LittleEndian.Uint32(buf[offset+12 : offset+16])

		nameStart := offset + unix.SizeofInotifyEvent
		name := ""
		if nameLen > 0 {
			raw := buf[nameStart : nameStart+int(nameLen)]
			end := 0
			for end < len(raw) && raw[end] != 0 {
				end++
			}
			name = string(raw[:end])
		}

		ev := rawEvent{Wd: wd, Mask: mask, Name: name}
		if mask&unix.IN_Q_OVERFLOW != 0 {
			ev.Overflow = true
		}
		if mask&unix.IN_DELETE_SELF != 0 {
			ev.SelfDeleted = true
		}
		events = append(events, ev)

		offset = nameStart + int(nameLen)
	}
	return events, nil
}
