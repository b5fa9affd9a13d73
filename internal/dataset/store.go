package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"path/filepath"
	"sync"

	"github.com/banshee-data/calibration.collector/internal/fsutil"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/security"
	"github.com/banshee-data/calibration.collector/internal/sensor"
)

// ErrStampGap reports a collection whose stamp is not the next in sequence.
var ErrStampGap = errors.New("collection stamp out of sequence")

// JPEGQuality is used for externalized camera frames.
const JPEGQuality = 95

// Store owns a dataset and its output directory. Collections are only ever
// appended.
type Store struct {
	fs  fsutil.FileSystem
	dir string

	mu sync.RWMutex
	ds *Dataset
}

// NewStore creates a store writing ds into dir.
func NewStore(fsys fsutil.FileSystem, dir string, ds *Dataset) *Store {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Store{fs: fsys, dir: dir, ds: ds}
}

// Open loads the dataset document found in dir.
func Open(fsys fsutil.FileSystem, dir string) (*Store, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	data, err := fsys.ReadFile(filepath.Join(dir, DocumentName))
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	ds, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return NewStore(fsys, dir, ds), nil
}

func (s *Store) Dir() string { return s.dir }

// Path is the location of the dataset document.
func (s *Store) Path() string { return filepath.Join(s.dir, DocumentName) }

// Len returns the number of collections.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ds.Collections)
}

// NextStamp is the stamp the next appended collection must carry.
func (s *Store) NextStamp() int { return s.Len() }

// Append adds c to the dataset. Its stamp must equal NextStamp.
func (s *Store) Append(c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := len(s.ds.Collections); c.Stamp != want {
		return fmt.Errorf("%w: got %d, want %d", ErrStampGap, c.Stamp, want)
	}
	s.ds.Collections = append(s.ds.Collections, c)
	return nil
}

// Collections returns the collections in stamp order.
func (s *Store) Collections() []*Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Collection(nil), s.ds.Collections...)
}

// Collection returns the collection with the given stamp.
func (s *Store) Collection(stamp int) (*Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stamp < 0 || stamp >= len(s.ds.Collections) {
		return nil, false
	}
	return s.ds.Collections[stamp], true
}

// Sensors returns the sensor descriptors of the dataset.
func (s *Store) Sensors() map[string]*sensor.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*sensor.Descriptor, len(s.ds.Sensors))
	for k, v := range s.ds.Sensors {
		out[k] = v
	}
	return out
}

// Encode renders the current dataset document.
func (s *Store) Encode() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Encode(s.ds)
}

// Persist rewrites the whole dataset document. The previous document stays
// in place until the new one is completely written, and a failed Persist
// can be retried.
func (s *Store) Persist() error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.fs, s.Path(), data, 0644); err != nil {
		return fmt.Errorf("persist dataset: %w", err)
	}
	monitoring.Logf("saved dataset with %d collections to %s", s.Len(), s.Path())
	return nil
}

// ImageFileName is the file an image sensor's frame is written to for a
// collection.
func ImageFileName(sensorName string, stamp int) string {
	return fmt.Sprintf("%s_%d.jpg", sensorName, stamp)
}

// WriteImage encodes img as JPEG next to the dataset document and returns
// its path relative to the document.
func (s *Store) WriteImage(sensorName string, stamp int, img *sensor.Image) (string, error) {
	name := ImageFileName(sensorName, stamp)
	if err := security.ValidateFileName(name); err != nil {
		return "", err
	}

	pix, err := img.ToImage()
	if err != nil {
		return "", fmt.Errorf("convert %s image: %w", sensorName, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, pix, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return "", fmt.Errorf("encode %s image: %w", sensorName, err)
	}

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if err := s.fs.WriteFile(filepath.Join(s.dir, name), buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return name, nil
}

// RemoveFile deletes a file written by WriteImage.
func (s *Store) RemoveFile(rel string) error {
	if err := security.ValidateFileName(rel); err != nil {
		return err
	}
	return s.fs.Remove(filepath.Join(s.dir, rel))
}
