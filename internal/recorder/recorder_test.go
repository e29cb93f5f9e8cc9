package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/storage"
	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type mockPublisher struct {
	mu     sync.Mutex
	events []*domain.TrafficRecord
	err    error
}

func (p *mockPublisher) PublishTrafficRecorded(ctx context.Context, rec *domain.TrafficRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, rec)
	return p.err
}

type failingStore struct {
	storage.TrafficStore
}

func (failingStore) InsertTraffic(ctx context.Context, rec *domain.TrafficRecord) error {
	return errors.New("disk full")
}

func sampleExchange() (*domain.HTTPRequest, *domain.HTTPResponse) {
	req := &domain.HTTPRequest{
		Method:  domain.MethodPost,
		URL:     "/api/orders",
		Headers: domain.Headers{"Content-Type": "application/json"},
		Body:    json.RawMessage(`{"id":1}`),
	}
	resp := &domain.HTTPResponse{
		StatusCode: 201,
		Headers:    domain.Headers{"Content-Type": "application/json"},
		Body:       json.RawMessage(`{"ok":true}`),
	}
	return req, resp
}

func TestRecorder_Record(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &mockPublisher{}
	r := New(store, newTestLogger(), WithPublisher(pub))

	req, resp := sampleExchange()
	rec, err := r.Record(context.Background(), req, resp, domain.OriginInjected)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Errorf("identity not assigned: %+v", rec)
	}
	if rec.Origin != domain.OriginInjected {
		t.Errorf("Origin = %s", rec.Origin)
	}
	if len(pub.events) != 1 || pub.events[0].ID != rec.ID {
		t.Errorf("published events = %v", pub.events)
	}

	// 调用方修改输入不影响已记录的内容
	req.Headers["Content-Type"] = "text/plain"
	got, err := r.Query(context.Background(), &domain.TrafficQuery{
		StartDate: rec.CreatedAt.Add(-time.Minute),
		EndDate:   rec.CreatedAt.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RequestHeaders["Content-Type"] != "application/json" {
		t.Errorf("stored record mutated: %+v", got)
	}
}

func TestRecorder_RecordPersistenceError(t *testing.T) {
	r := New(failingStore{storage.NewMemoryStore()}, newTestLogger())
	req, resp := sampleExchange()

	_, err := r.Record(context.Background(), req, resp, domain.OriginForwarded)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestRecorder_RecordPublishErrorIgnored(t *testing.T) {
	r := New(storage.NewMemoryStore(), newTestLogger(), WithPublisher(&mockPublisher{err: errors.New("nats down")}))
	req, resp := sampleExchange()
	if _, err := r.Record(context.Background(), req, resp, domain.OriginForwarded); err != nil {
		t.Fatalf("publish failure should not fail Record: %v", err)
	}
}

func TestRecorder_RecordInvalid(t *testing.T) {
	r := New(storage.NewMemoryStore(), newTestLogger())
	req, resp := sampleExchange()

	tests := []struct {
		name   string
		req    *domain.HTTPRequest
		resp   *domain.HTTPResponse
		origin domain.Origin
	}{
		{"bad origin", req, resp, "replayed"},
		{"bad method", &domain.HTTPRequest{Method: "FETCH", URL: "/"}, resp, domain.OriginForwarded},
		{"bad status", req, &domain.HTTPResponse{StatusCode: 42}, domain.OriginForwarded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Record(context.Background(), tt.req, tt.resp, tt.origin); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

// TestRecorder_QueryOrdering 验证倒序与分页切片
func TestRecorder_QueryOrdering(t *testing.T) {
	store := storage.NewMemoryStore()
	r := New(store, newTestLogger())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		r.now = func() time.Time { return at }
		req, resp := sampleExchange()
		rec, err := r.Record(context.Background(), req, resp, domain.OriginForwarded)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	page, err := r.Query(context.Background(), &domain.TrafficQuery{
		StartDate: base,
		EndDate:   base.Add(time.Hour),
		Page:      2,
		Limit:     2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("page 2 = %v, want [%s %s]", recordIDs(page), ids[2], ids[1])
	}

	if _, err := r.Query(context.Background(), &domain.TrafficQuery{StartDate: base.Add(time.Hour), EndDate: base}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("inverted range: expected ErrInvalidInput, got %v", err)
	}
}

func TestRecorder_Purge(t *testing.T) {
	store := storage.NewMemoryStore()
	r := New(store, newTestLogger())
	old := time.Now().Add(-48 * time.Hour)
	r.now = func() time.Time { return old }
	req, resp := sampleExchange()
	r.Record(context.Background(), req, resp, domain.OriginForwarded)
	r.now = time.Now
	r.Record(context.Background(), req, resp, domain.OriginForwarded)

	n, err := r.Purge(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := r.Purge(context.Background(), time.Time{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("zero before: expected ErrInvalidInput, got %v", err)
	}
}

func TestHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(newTestLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d", hub.ClientCount())
	}

	hub.Broadcast(&domain.TrafficRecord{ID: "rec-1", Method: domain.MethodGet, URL: "/", Origin: domain.OriginForwarded})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "traffic" || msg.Data == nil || msg.Data.ID != "rec-1" {
		t.Errorf("message = %+v", msg)
	}
}

func recordIDs(recs []*domain.TrafficRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
