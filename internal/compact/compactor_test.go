package compact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type mockStore struct {
	compressCalls []time.Time
	pruneRows     []int64 // 每批返回的删除行数
	pruneCalls    int
	pruneErr      error
	compressErr   error
}

func (m *mockStore) CompressOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.compressCalls = append(m.compressCalls, cutoff)
	if m.compressErr != nil {
		return 0, m.compressErr
	}
	return 3, nil
}

func (m *mockStore) PruneBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	if m.pruneCalls >= len(m.pruneRows) {
		return 0, nil
	}
	n := m.pruneRows[m.pruneCalls]
	m.pruneCalls++
	return n, nil
}

func newTestCompactor(store *mockStore) *Compactor {
	c := NewCompactor(store, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time {
		return time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	}
	return c
}

func TestRun_CutoffIsRetentionWindow(t *testing.T) {
	store := &mockStore{pruneRows: []int64{0}}
	c := newTestCompactor(store)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(store.compressCalls) != 1 {
		t.Fatalf("expected one compress call, got %d", len(store.compressCalls))
	}
	want := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC).Add(-RetentionWindow)
	if !store.compressCalls[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.compressCalls[0], want)
	}
}

func TestRun_ConfiguredRetentionOverridesDefault(t *testing.T) {
	store := &mockStore{pruneRows: []int64{0}}
	c := NewCompactor(store, 90*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time {
		return time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC).Add(-90 * 24 * time.Hour)
	if !store.compressCalls[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.compressCalls[0], want)
	}
}

func TestRun_PrunesUntilShortBatch(t *testing.T) {
	// 两个整批加一个短批 → 三次调用后停
	store := &mockStore{pruneRows: []int64{1000, 1000, 412}}
	c := newTestCompactor(store)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.pruneCalls != 3 {
		t.Errorf("expected 3 prune batches, got %d", store.pruneCalls)
	}
}

func TestRun_CompressFailureSkipsPrune(t *testing.T) {
	store := &mockStore{compressErr: errors.New("lock wait timeout")}
	c := newTestCompactor(store)

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("compress failure must abort the run")
	}
	if store.pruneCalls != 0 {
		t.Error("prune must not run when compression failed")
	}
}

func TestRun_PruneFailurePropagates(t *testing.T) {
	store := &mockStore{pruneErr: errors.New("connection reset")}
	c := newTestCompactor(store)

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("prune failure must propagate for queue retry")
	}
}
