package shm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// File is a frame region backed by a memory-mapped file, typically under
// /dev/shm so that reader processes can map the same pages.
type File struct {
	log      *slog.Logger
	path     string
	f        *os.File
	data     []byte
	region   *Region
	writable bool
}

// Create creates (or truncates) the region file at path, takes the
// exclusive writer lock and formats an empty region for the given maximum
// resolution. A second writer on the same path fails with ErrWriterActive.
func Create(path string, maxWidth, maxHeight int, log *slog.Logger) (*File, error) {
	if log == nil {
		log = slog.Default()
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("%w: maximum %dx%d", ErrLayout, maxWidth, maxHeight)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrWriterActive, path)
		}
		return nil, fmt.Errorf("shm: lock %s: %w", path, err)
	}

	size := RegionSize(maxWidth, maxHeight)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: resize %s to %d: %w", path, size, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	region, err := NewRegion(data, maxWidth, maxHeight)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	log.Info("frame region created", "component", "shm", "path", path,
		"max_width", maxWidth, "max_height", maxHeight, "bytes", size)
	return &File{log: log, path: path, f: f, data: data, region: region, writable: true}, nil
}

// Open maps an existing region file read-only and validates its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if st.Size() < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrLayout, path, st.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	region, err := AttachRegion(data)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return &File{log: slog.Default(), path: path, f: f, data: data, region: region}, nil
}

// Region returns the typed view over the mapped bytes.
func (m *File) Region() *Region { return m.region }

// Path returns the backing file path.
func (m *File) Path() string { return m.path }

// Close unmaps the region and releases the writer lock. The file itself is
// left in place so late readers can still attach.
func (m *File) Close() error {
	var errs []error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			errs = append(errs, fmt.Errorf("shm: munmap %s: %w", m.path, err))
		}
		m.data = nil
		m.region = nil
	}
	if m.f != nil {
		if m.writable {
			_ = unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
		}
		if err := m.f.Close(); err != nil {
			errs = append(errs, err)
		}
		m.f = nil
	}
	return errors.Join(errs...)
}
