package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xkonti/crude-functions/codec"
	"github.com/xkonti/crude-functions/fsutils"
)

type fileState struct {
	Schedules []*Schedule `json:"schedules" xml:"schedules" yaml:"schedules"`
}

// FileStorage is a single-file, codec-serialized Storage implementation,
// grounded on jobqueue.FileStorage / chrono.FileStorage's
// read-mutate-rewrite-atomically shape.
//
// Per spec.md §3's persistence policy, transient (IsPersistent=false)
// schedules are dropped on load rather than carried across restarts;
// NewFileStorage enforces this once, at open time.
type FileStorage struct {
	path string
	c    codec.Codec
}

// NewFileStorage creates a FileStorage persisting to path, discarding any
// stored schedule with IsPersistent=false.
func NewFileStorage(path string) (Storage, error) {
	contentType := fsutils.LookupContentType(path)
	c, err := codec.GetDefault(contentType)
	if err != nil {
		return nil, fmt.Errorf("scheduler: unsupported file type %q for %s: %w", contentType, filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	fs := &FileStorage{path: path, c: c}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if writeErr := fs.writeState(&fileState{}); writeErr != nil {
			return nil, writeErr
		}
		return fs, nil
	}

	state, err := fs.readState()
	if err != nil {
		return nil, err
	}
	kept := state.Schedules[:0]
	dropped := 0
	for _, s := range state.Schedules {
		if s.IsPersistent {
			kept = append(kept, s)
		} else {
			dropped++
		}
	}
	state.Schedules = kept
	if dropped > 0 {
		logger.InfoF("scheduler.FileStorage: dropped %d transient schedule(s) on startup", dropped)
		if err := fs.writeState(state); err != nil {
			return nil, err
		}
	}
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

func (fs *FileStorage) findSchedule(state *fileState, name string) int {
	for i, s := range state.Schedules {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (fs *FileStorage) SaveSchedule(_ context.Context, sched *Schedule) error {
	state, err := fs.readState()
	if err != nil {
		return err
	}
	cp := *sched
	if idx := fs.findSchedule(state, sched.Name); idx >= 0 {
		state.Schedules[idx] = &cp
	} else {
		state.Schedules = append(state.Schedules, &cp)
	}
	return fs.writeState(state)
}

func (fs *FileStorage) GetSchedule(_ context.Context, name string) (*Schedule, error) {
	state, err := fs.readState()
	if err != nil {
		return nil, err
	}
	idx := fs.findSchedule(state, name)
	if idx < 0 {
		return nil, ErrScheduleNotFound
	}
	cp := *state.Schedules[idx]
	return &cp, nil
}

func (fs *FileStorage) ListSchedules(_ context.Context) ([]*Schedule, error) {
	state, err := fs.readState()
	if err != nil {
		return nil, err
	}
	out := make([]*Schedule, 0, len(state.Schedules))
	for _, s := range state.Schedules {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (fs *FileStorage) DeleteSchedule(_ context.Context, name string) error {
	state, err := fs.readState()
	if err != nil {
		return err
	}
	idx := fs.findSchedule(state, name)
	if idx < 0 {
		return nil
	}
	state.Schedules = append(state.Schedules[:idx], state.Schedules[idx+1:]...)
	return fs.writeState(state)
}

func (fs *FileStorage) Close() error {
	return nil
}
