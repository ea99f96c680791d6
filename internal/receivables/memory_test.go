package receivables

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type memoryRepo struct {
	mu         sync.Mutex
	records    []Record
	batches    []Batch
	listCalls  int
	failInsert bool
}

func newMemoryRepo(records ...Record) *memoryRepo {
	return &memoryRepo{records: records}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{repo: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.batches = append(m.batches, tx.batches...)
	m.records = append(m.records, tx.records...)
	return nil
}

func (m *memoryRepo) ListRecords(_ context.Context, scope Scope) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []Record
	for _, rec := range m.records {
		if scope.Advisor == "" || rec.Advisor == scope.Advisor {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CustomerID != out[j].CustomerID {
			return out[i].CustomerID < out[j].CustomerID
		}
		return out[i].TransactionDate.Before(out[j].TransactionDate)
	})
	return out, nil
}

func (m *memoryRepo) LatestBatch(_ context.Context, scope Scope) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.batches) - 1; i >= 0; i-- {
		b := m.batches[i]
		if b.Status == BatchCompleted && (scope.Advisor == "" || b.Advisor == scope.Advisor) {
			return &b, nil
		}
	}
	return nil, nil
}

func (m *memoryRepo) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

type memoryTx struct {
	repo    *memoryRepo
	batches []Batch
	records []Record
}

func (t *memoryTx) InsertBatch(_ context.Context, batch Batch) error {
	t.batches = append(t.batches, batch)
	return nil
}

func (t *memoryTx) InsertRecords(_ context.Context, records []Record) (int64, error) {
	if t.repo.failInsert {
		return 0, errors.New("insert failed")
	}
	t.records = append(t.records, records...)
	return int64(len(records)), nil
}
