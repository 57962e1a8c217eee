package repository

import (
	"context"
	"sort"
	"sync"

	"card-grading-service/internal/model"
)

// MemoryRepository keeps everything in maps behind one mutex. It honors the
// same commit-unit guarantees as the database stores.
type MemoryRepository struct {
	mu        sync.RWMutex
	orders    map[string]model.Order
	records   map[string]model.GradingRecord
	byCode    map[string]string
	byPayment map[string]string
	history   map[string][]model.HistoryEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:    make(map[string]model.Order),
		records:   make(map[string]model.GradingRecord),
		byCode:    make(map[string]string),
		byPayment: make(map[string]string),
		history:   make(map[string][]model.HistoryEvent),
	}
}

func (m *MemoryRepository) InsertOrder(ctx context.Context, order model.Order, records []model.GradingRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPayment[order.PaymentReference]; ok {
		return 0, ErrDuplicatePayment
	}
	m.orders[order.ID] = order
	m.byPayment[order.PaymentReference] = order.ID
	for _, r := range records {
		m.records[r.ID] = cloneRecord(r)
		if r.CertificateCode != "" {
			m.byCode[r.CertificateCode] = r.ID
		}
	}
	return len(records), nil
}

func (m *MemoryRepository) FlagOrder(ctx context.Context, orderID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.NeedsReconciliation = true
	o.ReconciliationNote = note
	m.orders[orderID] = o
	return nil
}

func (m *MemoryRepository) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryRepository) FindOrderByPayment(ctx context.Context, ref string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPayment[ref]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return m.orders[id], nil
}

func (m *MemoryRepository) ListOrders(ctx context.Context) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) GetRecord(ctx context.Context, id string) (model.GradingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return model.GradingRecord{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryRepository) GetRecordByCode(ctx context.Context, code string) (model.GradingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return model.GradingRecord{}, ErrNotFound
	}
	return cloneRecord(m.records[id]), nil
}

func (m *MemoryRepository) ListRecords(ctx context.Context, f RecordFilter) ([]model.GradingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.GradingRecord, 0, len(m.records))
	for _, r := range m.records {
		if f.match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryRepository) CertificateCodes(ctx context.Context) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]struct{}, len(m.byCode))
	for code := range m.byCode {
		out[code] = struct{}{}
	}
	return out, nil
}

// CommitTransition writes rec and appends event only if the stored version
// still equals expectedVersion.
func (m *MemoryRepository) CommitTransition(ctx context.Context, rec model.GradingRecord, expectedVersion int64, event model.HistoryEvent) (model.GradingRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.GradingRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.ID]
	if !ok {
		return model.GradingRecord{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return model.GradingRecord{}, ErrVersionConflict
	}
	if rec.CertificateCode != "" && rec.CertificateCode != cur.CertificateCode {
		if owner, taken := m.byCode[rec.CertificateCode]; taken && owner != rec.ID {
			return model.GradingRecord{}, ErrDuplicateCertificate
		}
		m.byCode[rec.CertificateCode] = rec.ID
	}

	next := cloneRecord(rec)
	next.Version = expectedVersion + 1
	m.records[rec.ID] = next
	m.history[rec.ID] = append(m.history[rec.ID], event)
	return cloneRecord(next), nil
}

func (m *MemoryRepository) History(ctx context.Context, recordID string) ([]model.HistoryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.records[recordID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]model.HistoryEvent, len(m.history[recordID]))
	copy(out, m.history[recordID])
	return out, nil
}

func (m *MemoryRepository) AllHistory(ctx context.Context) ([]model.HistoryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.HistoryEvent
	for _, evs := range m.history {
		out = append(out, evs...)
	}
	sortHistory(out)
	return out, nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

func sortRecords(rs []model.GradingRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func sortHistory(evs []model.HistoryEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].ChangedAt.Equal(evs[j].ChangedAt) {
			return evs[i].ID < evs[j].ID
		}
		return evs[i].ChangedAt.Before(evs[j].ChangedAt)
	})
}
