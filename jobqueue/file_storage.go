package jobqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xkonti/crude-functions/codec"
	"github.com/xkonti/crude-functions/fsutils"
)

// fileState is the top-level structure persisted to the file, mirroring
// chrono.fileState.
type fileState struct {
	Jobs []*Job `json:"jobs" xml:"jobs" yaml:"jobs"`
}

// FileStorage is a single-file, codec-serialized Storage implementation
// grounded on chrono.FileStorage: the whole state is read, mutated, and
// rewritten atomically (temp file + rename) under one mutex per
// operation. It gives a Job row durability across process restarts
// without standing up a real database, which is what the crash-recovery
// seed scenario in spec.md §8 needs from a development/single-process
// deployment.
type FileStorage struct {
	mu   sync.Mutex
	path string
	c    codec.Codec
}

// NewFileStorage creates a FileStorage persisting to path. The
// serialization format is derived from the file extension via
// fsutils.LookupContentType (YAML, JSON or XML).
func NewFileStorage(path string) (Storage, error) {
	contentType := fsutils.LookupContentType(path)
	c, err := codec.GetDefault(contentType)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: unsupported file type %q for %s: %w", contentType, filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	fs := &FileStorage{path: path, c: c}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if writeErr := fs.writeState(&fileState{}); writeErr != nil {
			return nil, writeErr
		}
	}
	logger.InfoF("FileStorage: initialized with path=%s contentType=%s", path, contentType)
	return fs, nil
}

func (fs *FileStorage) readState() (*fileState, error) {
	f, err := os.Open(fs.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var state fileState
	if err := fs.c.Read(f, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (fs *FileStorage) writeState(state *fileState) error {
	tmp := fs.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := fs.c.Write(state, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fs.path)
}

func (fs *FileStorage) findJob(state *fileState, id string) int {
	for i, j := range state.Jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func (fs *FileStorage) SaveJob(_ context.Context, job *Job) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.readState()
	if err != nil {
		return err
	}
	cp := *job
	if idx := fs.findJob(state, job.ID); idx >= 0 {
		state.Jobs[idx] = &cp
	} else {
		state.Jobs = append(state.Jobs, &cp)
	}
	return fs.writeState(state)
}

func (fs *FileStorage) UpdateJob(ctx context.Context, job *Job) error {
	return fs.SaveJob(ctx, job)
}

func (fs *FileStorage) GetJob(_ context.Context, id string) (*Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.readState()
	if err != nil {
		return nil, err
	}
	idx := fs.findJob(state, id)
	if idx < 0 {
		return nil, ErrJobNotFound
	}
	cp := *state.Jobs[idx]
	return &cp, nil
}

func (fs *FileStorage) ListJobsByType(_ context.Context, jobType string) ([]*Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.readState()
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, j := range state.Jobs {
		if j.Type == jobType {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (fs *FileStorage) ListJobsByReference(_ context.Context, refType, refID string) ([]*Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.readState()
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, j := range state.Jobs {
		if j.ReferenceType == refType && j.ReferenceID == refID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (fs *FileStorage) ListOrphanCandidates(_ context.Context, now time.Time) ([]*Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.readState()
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, j := range state.Jobs {
		if (j.Status == StatusClaimed || j.Status == StatusRunning) &&
			j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (fs *FileStorage) ClaimNext(_ context.Context, types []string, now time.Time, ownerInstanceID string, leaseDuration time.Duration) (*Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, err := fs.readState()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	byID := make(map[string]*Job, len(state.Jobs))
	for _, j := range state.Jobs {
		byID[j.ID] = j
	}

	var candidates []*Job
	for _, j := range state.Jobs {
		if eligible(j, wanted, now, byID) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool { return less(candidates[i], candidates[k]) })

	winner := candidates[0]
	winner.Status = StatusClaimed
	winner.OwnerInstanceID = ownerInstanceID
	expires := now.Add(leaseDuration)
	winner.LeaseExpiresAt = &expires

	if err := fs.writeState(state); err != nil {
		return nil, err
	}
	cp := *winner
	return &cp, nil
}

func (fs *FileStorage) Close() error {
	return nil
}
