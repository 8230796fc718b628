package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/jobqueue"
)

type mockStore struct {
	catalog     []model.CatalogEntry
	failGPUs    map[uint]bool // 这些 GPU 的报价落库失败
	offers      []model.RetailerOffer
	history     []model.PriceHistoryPoint
	runs        []model.IngestionRun
	staleCount  int64
	catalogErr  error
}

func (m *mockStore) ActiveCatalog(ctx context.Context, gpuID uint) ([]model.CatalogEntry, error) {
	if m.catalogErr != nil {
		return nil, m.catalogErr
	}
	if gpuID == 0 {
		return m.catalog, nil
	}
	for _, e := range m.catalog {
		if e.ID == gpuID {
			return []model.CatalogEntry{e}, nil
		}
	}
	return nil, nil
}

func (m *mockStore) UpsertOffer(ctx context.Context, offer *model.RetailerOffer) error {
	if m.failGPUs[offer.GPUID] {
		return fmt.Errorf("simulated upsert failure for gpu %d", offer.GPUID)
	}
	m.offers = append(m.offers, *offer)
	return nil
}

func (m *mockStore) AppendHistoryPoint(ctx context.Context, point *model.PriceHistoryPoint) error {
	m.history = append(m.history, *point)
	return nil
}

func (m *mockStore) InsertRun(ctx context.Context, run *model.IngestionRun) error {
	m.runs = append(m.runs, *run)
	return nil
}

func (m *mockStore) CountStaleOffers(ctx context.Context, before time.Time) (int64, error) {
	return m.staleCount, nil
}

type mockQueue struct {
	pushed []*jobqueue.Job
	seen   map[string]bool
}

func (m *mockQueue) Push(ctx context.Context, job *jobqueue.Job, delay time.Duration) error {
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if job.DedupKey != "" {
		if m.seen[job.DedupKey] {
			return jobqueue.ErrJobExists
		}
		m.seen[job.DedupKey] = true
	}
	m.pushed = append(m.pushed, job)
	return nil
}

type mockFetcher struct {
	offers []model.RetailerOffer
	errs   []string
	err    error
}

func (m *mockFetcher) Fetch(ctx context.Context, source string, gpus []model.CatalogEntry) ([]model.RetailerOffer, []string, error) {
	return m.offers, m.errs, m.err
}

type nopSink struct {
	exceptions int
	messages   []string
}

func (s *nopSink) CaptureException(err error, tags map[string]string) { s.exceptions++ }
func (s *nopSink) CaptureMessage(text string, level string)          { s.messages = append(s.messages, text) }

func testCoordinator(store *mockStore, queue *mockQueue, fetcher Fetcher, sink *nopSink) *Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(store, queue, fetcher, sink, logger, 6*time.Hour, time.Second)
}

func catalogOf(n int) []model.CatalogEntry {
	entries := make([]model.CatalogEntry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, model.CatalogEntry{
			ID:    uint(i),
			Slug:  fmt.Sprintf("gpu-%d", i),
			Model: fmt.Sprintf("GPU %d", i),
		})
	}
	return entries
}

func offersFor(entries []model.CatalogEntry) []model.RetailerOffer {
	offers := make([]model.RetailerOffer, 0, len(entries))
	for _, e := range entries {
		offers = append(offers, model.RetailerOffer{
			GPUID:         e.ID,
			Retailer:      model.RetailerBestBuy,
			PriceUSD:      999,
			StockStatus:   model.StockInStock,
			LastCheckedAt: time.Now().UTC(),
		})
	}
	return offers
}

func TestCoordinator_SuccessRun(t *testing.T) {
	catalog := catalogOf(3)
	store := &mockStore{catalog: catalog}
	queue := &mockQueue{}
	sink := &nopSink{}
	c := testCoordinator(store, queue, &mockFetcher{offers: offersFor(catalog)}, sink)

	if err := c.Run(context.Background(), model.RetailerBestBuy, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(store.runs) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(store.runs))
	}
	run := store.runs[0]
	if run.Status != model.RunStatusSuccess {
		t.Errorf("expected success status, got %s", run.Status)
	}
	if run.GPUsUpdated != 3 {
		t.Errorf("expected 3 gpus updated, got %d", run.GPUsUpdated)
	}
	if len(store.history) != 3 {
		t.Errorf("expected 3 history points, got %d", len(store.history))
	}
	if len(queue.pushed) != 3 {
		t.Errorf("expected 3 score jobs, got %d", len(queue.pushed))
	}
	for _, job := range queue.pushed {
		if job.Type != jobqueue.TypeScoreGPU {
			t.Errorf("unexpected job type %s", job.Type)
		}
	}
}

func TestCoordinator_PartialFailureBatch(t *testing.T) {
	// 5 条报价中 2 条落库失败 → partial，gpus_updated=3，错误列表长度 2
	catalog := catalogOf(5)
	store := &mockStore{
		catalog:  catalog,
		failGPUs: map[uint]bool{2: true, 4: true},
	}
	queue := &mockQueue{}
	sink := &nopSink{}
	c := testCoordinator(store, queue, &mockFetcher{offers: offersFor(catalog)}, sink)

	if err := c.Run(context.Background(), model.RetailerBestBuy, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run := store.runs[0]
	if run.Status != model.RunStatusPartial {
		t.Errorf("expected partial status, got %s", run.Status)
	}
	if run.GPUsUpdated != 3 {
		t.Errorf("expected gpus_updated=3, got %d", run.GPUsUpdated)
	}

	var errList []string
	if err := json.Unmarshal([]byte(run.Errors), &errList); err != nil {
		t.Fatalf("parse error list: %v", err)
	}
	if len(errList) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(errList), errList)
	}
	if sink.exceptions != 2 {
		t.Errorf("expected 2 captured exceptions, got %d", sink.exceptions)
	}
	// 失败的报价不应触发评分
	if len(queue.pushed) != 3 {
		t.Errorf("expected 3 score jobs, got %d", len(queue.pushed))
	}
}

func TestCoordinator_AllOffersFailed(t *testing.T) {
	catalog := catalogOf(2)
	store := &mockStore{
		catalog:  catalog,
		failGPUs: map[uint]bool{1: true, 2: true},
	}
	c := testCoordinator(store, &mockQueue{}, &mockFetcher{offers: offersFor(catalog)}, &nopSink{})

	if err := c.Run(context.Background(), model.RetailerBestBuy, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.runs[0].Status != model.RunStatusError {
		t.Errorf("expected error status, got %s", store.runs[0].Status)
	}
}

func TestCoordinator_StageFatalPropagates(t *testing.T) {
	store := &mockStore{catalog: catalogOf(1)}
	c := testCoordinator(store, &mockQueue{}, &mockFetcher{err: errors.New("missing credentials")}, &nopSink{})

	if err := c.Run(context.Background(), model.RetailerBestBuy, 0); err == nil {
		t.Fatal("expected stage-fatal error to propagate")
	}
	// 阶段性失败不写审计行，整个任务交给队列重试
	if len(store.runs) != 0 {
		t.Errorf("expected no audit row, got %d", len(store.runs))
	}
}

func TestCoordinator_ScoreEnqueueCollapsesPerGPU(t *testing.T) {
	// 同一 GPU 的两条报价（不同零售商）只入队一次评分
	catalog := catalogOf(1)
	offers := []model.RetailerOffer{
		{GPUID: 1, Retailer: model.RetailerBestBuy, PriceUSD: 999, LastCheckedAt: time.Now()},
		{GPUID: 1, Retailer: model.RetailerNewegg, PriceUSD: 989, LastCheckedAt: time.Now()},
	}
	store := &mockStore{catalog: catalog}
	queue := &mockQueue{}
	c := testCoordinator(store, queue, &mockFetcher{offers: offers}, &nopSink{})

	if err := c.Run(context.Background(), model.RetailerBestBuy, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(queue.pushed) != 1 {
		t.Fatalf("expected 1 score job, got %d", len(queue.pushed))
	}
	if queue.pushed[0].DedupKey != "score:1" {
		t.Errorf("unexpected dedup key %s", queue.pushed[0].DedupKey)
	}
	if len(store.offers) != 2 {
		t.Errorf("expected both offers persisted, got %d", len(store.offers))
	}
}

func TestCoordinator_StalenessWarning(t *testing.T) {
	catalog := catalogOf(1)
	store := &mockStore{catalog: catalog, staleCount: 4}
	sink := &nopSink{}
	c := testCoordinator(store, &mockQueue{}, &mockFetcher{offers: offersFor(catalog)}, sink)

	if err := c.Run(context.Background(), model.RetailerBestBuy, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(sink.messages) != 1 {
		t.Fatalf("expected 1 staleness warning, got %d", len(sink.messages))
	}
}

func TestCoordinator_SingleGPUScope(t *testing.T) {
	catalog := catalogOf(3)
	store := &mockStore{catalog: catalog}
	var gotScope []model.CatalogEntry
	fetcher := &scopeRecordingFetcher{inner: &mockFetcher{}, scope: &gotScope}
	c := testCoordinator(store, &mockQueue{}, fetcher, &nopSink{})

	if err := c.Run(context.Background(), model.RetailerBestBuy, 2); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(gotScope) != 1 || gotScope[0].ID != 2 {
		t.Errorf("expected scope limited to gpu 2, got %+v", gotScope)
	}
}

type scopeRecordingFetcher struct {
	inner *mockFetcher
	scope *[]model.CatalogEntry
}

func (f *scopeRecordingFetcher) Fetch(ctx context.Context, source string, gpus []model.CatalogEntry) ([]model.RetailerOffer, []string, error) {
	*f.scope = gpus
	return f.inner.Fetch(ctx, source, gpus)
}
