// Update-state persistence for gotd's telegram/updates.Manager: a
// JSON-file-backed updates.StateStorage with lazy load and atomic write,
// re-targeted at this service's single always-on account instead of an
// ad-hoc multi-account map.
package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/updates"

	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/infra/storage"
)

// fileStateStorage is a thread-safe JSON-file updates.StateStorage. This
// service runs a single MTProto account, so in practice there is exactly
// one user id, but the map shape is kept to satisfy the interface without
// narrowing it.
type fileStateStorage struct {
	path string

	mu       sync.Mutex
	loaded   bool
	states   map[int64]updates.State
	channels map[int64]map[int64]int
}

type persistedState struct {
	States   map[int64]updates.State `json:"states"`
	Channels map[int64]map[int64]int `json:"channels"`
}

// newFileStateStorage constructs a storage backed by path, deferring any
// filesystem access to the first call (load()).
func newFileStateStorage(path string) updates.StateStorage {
	return &fileStateStorage{
		path:     path,
		states:   map[int64]updates.State{},
		channels: map[int64]map[int64]int{},
	}
}

func (f *fileStateStorage) load() error {
	if f.loaded {
		return nil
	}
	clean := filepath.Clean(f.path)
	if err := storage.EnsureDir(clean); err != nil {
		return err
	}
	raw, err := os.ReadFile(clean)
	if os.IsNotExist(err) || len(raw) == 0 {
		f.states = map[int64]updates.State{}
		f.channels = map[int64]map[int64]int{}
		f.loaded = true
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read update state")
	}
	var p persistedState
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.Warnf("supervisor: corrupt update-state file %s, starting fresh: %v", clean, err)
		p = persistedState{}
	}
	if p.States == nil {
		p.States = map[int64]updates.State{}
	}
	if p.Channels == nil {
		p.Channels = map[int64]map[int64]int{}
	}
	f.states = p.States
	f.channels = p.Channels
	f.loaded = true
	return nil
}

func (f *fileStateStorage) persist() error {
	enc, err := json.Marshal(persistedState{States: f.states, Channels: f.channels})
	if err != nil {
		return errors.Wrap(err, "encode update state")
	}
	return storage.AtomicWriteFile(f.path, enc)
}

func (f *fileStateStorage) GetState(ctx context.Context, userID int64) (updates.State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return updates.State{}, false, err
	}
	s, ok := f.states[userID]
	return s, ok, nil
}

func (f *fileStateStorage) SetState(ctx context.Context, userID int64, s updates.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	f.states[userID] = s
	f.channels[userID] = map[int64]int{}
	return f.persist()
}

func (f *fileStateStorage) SetPts(ctx context.Context, userID int64, pts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	s := f.states[userID]
	s.Pts = pts
	f.states[userID] = s
	return f.persist()
}

func (f *fileStateStorage) SetQts(ctx context.Context, userID int64, qts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	s := f.states[userID]
	s.Qts = qts
	f.states[userID] = s
	return f.persist()
}

func (f *fileStateStorage) SetDate(ctx context.Context, userID int64, date int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	s := f.states[userID]
	s.Date = date
	f.states[userID] = s
	return f.persist()
}

func (f *fileStateStorage) SetSeq(ctx context.Context, userID int64, seq int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	s := f.states[userID]
	s.Seq = seq
	f.states[userID] = s
	return f.persist()
}

func (f *fileStateStorage) SetDateSeq(ctx context.Context, userID int64, date, seq int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	s := f.states[userID]
	s.Date = date
	s.Seq = seq
	f.states[userID] = s
	return f.persist()
}

func (f *fileStateStorage) GetChannelPts(ctx context.Context, userID, channelID int64) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return 0, false, err
	}
	ch, ok := f.channels[userID]
	if !ok {
		return 0, false, nil
	}
	pts, ok := ch[channelID]
	return pts, ok, nil
}

func (f *fileStateStorage) SetChannelPts(ctx context.Context, userID, channelID int64, pts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	ch, ok := f.channels[userID]
	if !ok {
		ch = map[int64]int{}
		f.channels[userID] = ch
	}
	ch[channelID] = pts
	return f.persist()
}

func (f *fileStateStorage) ForEachChannels(ctx context.Context, userID int64, fn func(ctx context.Context, channelID int64, pts int) error) error {
	f.mu.Lock()
	if err := f.load(); err != nil {
		f.mu.Unlock()
		return err
	}
	snapshot := make(map[int64]int, len(f.channels[userID]))
	for k, v := range f.channels[userID] {
		snapshot[k] = v
	}
	f.mu.Unlock()

	for channelID, pts := range snapshot {
		if err := fn(ctx, channelID, pts); err != nil {
			return err
		}
	}
	return nil
}
