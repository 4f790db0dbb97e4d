package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

// MemoryStore keeps everything in process. Transactions are fully
// serialized and staged, so a failed unit of work leaves no trace.
type MemoryStore struct {
	mu      sync.Mutex
	history map[domain.RecordKey]domain.HistoryRecord
	states  map[string]*domain.DeviceState
	zones   map[string]map[string]domain.SafeZone
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history: make(map[domain.RecordKey]domain.HistoryRecord),
		states:  make(map[string]*domain.DeviceState),
		zones:   make(map[string]map[string]domain.SafeZone),
		now:     time.Now,
	}
}

type memoryTx struct {
	s       *MemoryStore
	history map[domain.RecordKey]domain.HistoryRecord
	states  map[string]*domain.DeviceState
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:       s,
		history: make(map[domain.RecordKey]domain.HistoryRecord),
		states:  make(map[string]*domain.DeviceState),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	maps.Copy(s.history, tx.history)
	committedAt := s.now().UTC()
	for id, st := range tx.states {
		st.UpdatedAt = committedAt
		if prev, ok := s.states[id]; ok {
			st.FirmwareVersion = prev.FirmwareVersion
			st.FirmwareLastUpdated = prev.FirmwareLastUpdated
			st.LastFota = prev.LastFota
			st.PushToken = prev.PushToken
		}
		s.states[id] = st
	}
	return nil
}

func (tx *memoryTx) InsertHistory(_ context.Context, rec domain.HistoryRecord) (domain.InsertResult, error) {
	key := rec.Key()
	if _, ok := tx.s.history[key]; ok {
		return domain.AlreadyExists, nil
	}
	if _, ok := tx.history[key]; ok {
		return domain.AlreadyExists, nil
	}
	tx.history[key] = rec
	return domain.Inserted, nil
}

func (tx *memoryTx) LoadState(_ context.Context, deviceID string) (*domain.DeviceState, error) {
	if st, ok := tx.states[deviceID]; ok {
		return st.Clone(), nil
	}
	if st, ok := tx.s.states[deviceID]; ok {
		return st.Clone(), nil
	}
	return domain.NewDeviceState(deviceID), nil
}

func (tx *memoryTx) SaveState(_ context.Context, state *domain.DeviceState) error {
	tx.states[state.DeviceID] = state.Clone()
	return nil
}

func (tx *memoryTx) Zones(ctx context.Context, deviceID string) ([]domain.SafeZone, error) {
	return tx.s.listZones(deviceID), nil
}

func (s *MemoryStore) QueryHistory(_ context.Context, f HistoryFilter) ([]domain.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.HistoryRecord
	for _, rec := range s.history {
		if rec.DeviceID != f.DeviceID {
			continue
		}
		if f.Type != "" && rec.MessageType != f.Type {
			continue
		}
		if rec.Timestamp.Before(f.Start) || rec.Timestamp.After(f.End) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.HistoryRecord) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		if a.ZoneID < b.ZoneID {
			return -1
		}
		if a.ZoneID > b.ZoneID {
			return 1
		}
		return 0
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetState(_ context.Context, deviceID string) (*domain.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, domain.ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) ListStates(_ context.Context) ([]*domain.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.DeviceState, 0, len(s.states))
	for _, id := range slices.Sorted(maps.Keys(s.states)) {
		out = append(out, s.states[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListZones(_ context.Context, deviceID string) ([]domain.SafeZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listZones(deviceID), nil
}

func (s *MemoryStore) listZones(deviceID string) []domain.SafeZone {
	byID := s.zones[deviceID]
	out := make([]domain.SafeZone, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[id])
	}
	slices.SortStableFunc(out, func(a, b domain.SafeZone) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *MemoryStore) GetZone(_ context.Context, deviceID, zoneID string) (domain.SafeZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[deviceID][zoneID]
	if !ok {
		return domain.SafeZone{}, fmt.Errorf("zone %s/%s: %w", deviceID, zoneID, domain.ErrNotFound)
	}
	return z, nil
}

func (s *MemoryStore) CreateZone(_ context.Context, z domain.SafeZone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[z.DeviceID]; !ok {
		return fmt.Errorf("device %s: %w", z.DeviceID, domain.ErrNotFound)
	}
	if s.zones[z.DeviceID] == nil {
		s.zones[z.DeviceID] = make(map[string]domain.SafeZone)
	}
	if _, ok := s.zones[z.DeviceID][z.ZoneID]; ok {
		return fmt.Errorf("zone %s/%s already exists", z.DeviceID, z.ZoneID)
	}
	s.zones[z.DeviceID][z.ZoneID] = z
	return nil
}

func (s *MemoryStore) UpdateZone(_ context.Context, z domain.SafeZone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[z.DeviceID][z.ZoneID]; !ok {
		return fmt.Errorf("zone %s/%s: %w", z.DeviceID, z.ZoneID, domain.ErrNotFound)
	}
	s.zones[z.DeviceID][z.ZoneID] = z
	return nil
}

func (s *MemoryStore) DeleteZone(_ context.Context, deviceID, zoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[deviceID][zoneID]; !ok {
		return fmt.Errorf("zone %s/%s: %w", deviceID, zoneID, domain.ErrNotFound)
	}
	delete(s.zones[deviceID], zoneID)
	return nil
}

func (s *MemoryStore) SetLastFota(_ context.Context, deviceID string, job domain.FotaJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, domain.ErrNotFound)
	}
	st.LastFota = &job
	return nil
}

func (s *MemoryStore) SetPushToken(_ context.Context, deviceID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, domain.ErrNotFound)
	}
	st.PushToken = &token
	return nil
}

func (s *MemoryStore) EnsureDevice(_ context.Context, deviceID string, firmwareVersion *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[deviceID]
	if !ok {
		st = domain.NewDeviceState(deviceID)
		st.UpdatedAt = s.now().UTC()
		s.states[deviceID] = st
	}
	if firmwareVersion != nil {
		v := *firmwareVersion
		now := s.now().UTC()
		st.FirmwareVersion = &v
		st.FirmwareLastUpdated = &now
	}
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.history {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.history, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
