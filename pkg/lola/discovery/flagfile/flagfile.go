// Package flagfile implements the service-discovery advertise side (spec
// entity I): an offered instance is advertised by creating an empty file
// whose name encodes the offerer pid, quality, and a disambiguator, under
// a directory tree keyed by service-id and instance-id.
package flagfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/lola/pkg/log"
	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/lola/shm"
	"github.com/cuemby/lola/pkg/lolaerr"
)

// EnrichedID names one service instance offering at a specific quality,
// the key discovery operates on throughout entities I and J.
type EnrichedID struct {
	ServiceID  uint16
	InstanceID uint16
	Quality    shm.Quality
}

// NewDisambiguator returns a monotonically-increasing value suitable for
// use as Make's disambiguator, per spec.md §4.I ("steady-clock nanos
// unique to this offer").
func NewDisambiguator() int64 {
	return time.Now().UnixNano()
}

// ServiceDir returns the service-level directory for id under root.
func ServiceDir(root string, serviceID uint16) string {
	return filepath.Join(root, strconv.Itoa(int(serviceID)))
}

// InstanceDir returns the instance-level directory for id under root.
func InstanceDir(root string, serviceID, instanceID uint16) string {
	return filepath.Join(ServiceDir(root, serviceID), strconv.Itoa(int(instanceID)))
}

// qualityToken is the on-disk token for a Quality, matching spec.md §6's
// "asil-b" / "asil-qm" naming (QM's token is "asil-qm", not "qm" — the
// original names every quality token relative to the ASIL scale).
func qualityToken(q shm.Quality) string {
	if q == shm.QualityASILB {
		return "asil-b"
	}
	return "asil-qm"
}

func tokenToQuality(tok string) (shm.Quality, bool) {
	switch tok {
	case "asil-b":
		return shm.QualityASILB, true
	case "asil-qm":
		return shm.QualityQM, true
	default:
		return "", false
	}
}

// fileName builds the flag-file basename: <pid>_<quality>_<disambiguator>,
// falling back to a uuid suffix when disambiguator is zero — Make passes a
// zero disambiguator only when the caller's clock read collided with a
// previous offer's (observed on some virtualized hosts with coarse clock
// resolution), so a random tiebreaker is the only way left to keep the
// name unique.
func fileName(pid int, quality shm.Quality, disambiguator int64) string {
	if disambiguator == 0 {
		return fmt.Sprintf("%d_%s_%s", pid, qualityToken(quality), uuid.NewString())
	}
	return fmt.Sprintf("%d_%s_%d", pid, qualityToken(quality), disambiguator)
}

// parseFileName extracts the quality from a flag-file basename, ignoring
// the pid and disambiguator fields the crawler doesn't need to act on.
func parseFileName(name string) (quality shm.Quality, ok bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return "", false
	}
	return tokenToQuality(parts[1])
}

// ParseQuality is parseFileName exported for the watcher package, which
// needs the identical on-disk naming rule when reacting to inotify events
// rather than os.ReadDir entries.
func ParseQuality(name string) (shm.Quality, bool) {
	return parseFileName(name)
}

// Handle owns one flag file's lifetime. It is never copied: Make returns
// it by value once, and Close unlinks the file exactly once, modeling the
// original's move-only "destructor" ownership in a single-owner Go value.
type Handle struct {
	root    string
	id      EnrichedID
	path    string
	closed  bool
}

// dirRetries bounds the bounded backoff on transient directory-creation
// failure (tolerating a concurrent mkdir race from another offering
// process), per spec.md §4.I.
const dirRetries = 5

// Make creates the parent directories (world-writable, per spec.md §6 —
// the flock and flag-file-name conventions enforce identity, not
// filesystem permissions), removes any previously-existing flag files
// for the same (service, instance, quality), and creates a new flag file
// named with disambiguator and the current process pid.
func Make(root string, id EnrichedID, disambiguator int64) (Handle, error) {
	dir := InstanceDir(root, id.ServiceID, id.InstanceID)

	var err error
	for attempt := 0; attempt < dirRetries; attempt++ {
		err = os.MkdirAll(dir, 0o777)
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("%w: creating discovery directory %s: %v", lolaerr.ServiceNotOffered, dir, err)
	}

	if err := removeMatching(dir, id.Quality); err != nil {
		return Handle{}, fmt.Errorf("%w: clearing stale flag files in %s: %v", lolaerr.ServiceNotOffered, dir, err)
	}

	name := fileName(os.Getpid(), id.Quality, disambiguator)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		// The disambiguator collided with a name left behind by another
		// offer (coarse clock resolution on some virtualized hosts); fall
		// back to a uuid-suffixed name, which cannot collide.
		name = fileName(os.Getpid(), id.Quality, 0)
		path = filepath.Join(dir, name)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("%w: creating flag file %s: %v", lolaerr.ServiceNotOffered, path, err)
	}
	f.Close()
	if err := os.Chmod(path, 0o644); err != nil {
		log.WithComponent("flagfile").Warn().Err(err).Str("path", path).Msg("failed to set flag file permissions")
	}

	log.WithComponent("flagfile").Info().
		Uint16("service_id", id.ServiceID).
		Uint16("instance_id", id.InstanceID).
		Str("quality", string(id.Quality)).
		Str("path", path).
		Msg("offer advertised")

	metrics.FlagFileCreatesTotal.WithLabelValues(string(id.Quality)).Inc()
	return Handle{root: root, id: id, path: path}, nil
}

func removeMatching(dir string, quality shm.Quality) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		q, ok := parseFileName(e.Name())
		if !ok || q != quality {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close unlinks the flag file if this Handle still owns it. Safe to call
// multiple times.
func (h *Handle) Close() error {
	if h.closed || h.path == "" {
		return nil
	}
	h.closed = true
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing flag file %s: %w", h.path, err)
	}
	log.WithComponent("flagfile").Info().Str("path", h.path).Msg("offer withdrawn")
	metrics.FlagFileRemovesTotal.WithLabelValues(string(h.id.Quality)).Inc()
	return nil
}

// Path returns the flag file's path, mostly for tests and logging.
func (h *Handle) Path() string { return h.path }

// ID returns the EnrichedID this handle advertises, so a caller holding a
// slice of Handles can select among them by quality (e.g.
// DisconnectQMConsumers closing only the QM advertisement).
func (h *Handle) ID() EnrichedID { return h.id }

// Exists reports whether at least one flag file matching id exists.
func Exists(root string, id EnrichedID) (bool, error) {
	dir := InstanceDir(root, id.ServiceID, id.InstanceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if q, ok := parseFileName(e.Name()); ok && q == id.Quality {
			return true, nil
		}
	}
	return false, nil
}
