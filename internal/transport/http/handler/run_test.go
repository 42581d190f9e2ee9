package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hookq/hookq/internal/cache"
	"github.com/hookq/hookq/internal/dispatch"
	"github.com/hookq/hookq/internal/domain"
	"github.com/hookq/hookq/internal/registry"
	"github.com/hookq/hookq/internal/worker"
)

// stubStore keeps the worker loop trivial: an empty claim drains it
// immediately, a claim error surfaces as a 500.
type stubStore struct {
	claimErr error
	claimCtx context.Context
}

func (s *stubStore) ClaimBatch(ctx context.Context, _ int) ([]*domain.Job, error) {
	s.claimCtx = ctx
	return nil, s.claimErr
}
func (s *stubStore) InsertBatch(context.Context, []*domain.Job) (int, error) { return 0, nil }
func (s *stubStore) CompleteBatch(context.Context, []int64) error            { return nil }
func (s *stubStore) FailBatch(context.Context, map[int64]string) error       { return nil }
func (s *stubStore) ReleaseBatch(context.Context, []int64) error             { return nil }
func (s *stubStore) RetryStale(context.Context, time.Duration) (int, error)  { return 0, nil }
func (s *stubStore) GetByID(context.Context, int64) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}
func (s *stubStore) CountByStatus(context.Context, domain.Status) (int, error) { return 0, nil }
func (s *stubStore) Logs(context.Context, int64) ([]*domain.JobLog, error)     { return nil, nil }
func (s *stubStore) PruneLogs(context.Context, time.Duration) (int64, error)   { return 0, nil }

func setupRouter(t *testing.T, store *stubStore) (*gin.Engine, time.Time) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := worker.New(store, registry.New(), cache.NewMemory(), logger, worker.Config{})

	h := NewRunHandler(w, "action-key", "action-secret", logger)
	now := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time { return now }

	r := gin.New()
	r.GET("/actions/run", h.Run)
	r.POST("/queue/work", h.Work)
	return r, now
}

func TestRunRejectsBadKey(t *testing.T) {
	r, _ := setupRouter(t, &stubStore{})

	for _, target := range []string{"/actions/run", "/actions/run?key=deadbeef"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("GET %s: status = %d, want %d", target, rec.Code, http.StatusForbidden)
		}
		if rec.Body.String() != "Invalid Key" {
			t.Errorf("GET %s: body = %q, want %q", target, rec.Body.String(), "Invalid Key")
		}
	}
}

func TestRunAcceptsValidKey(t *testing.T) {
	r, now := setupRouter(t, &stubStore{})

	key := dispatch.SpawnKey("action-key", now)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/actions/run?key="+key, nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "OK")
	}
}

func TestWorkSecretHeader(t *testing.T) {
	r, _ := setupRouter(t, &stubStore{})

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{name: "valid", secret: "action-secret", want: http.StatusOK},
		{name: "wrong", secret: "nope", want: http.StatusForbidden},
		{name: "missing", secret: "", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/queue/work", nil)
			if tt.secret != "" {
				req.Header.Set(SecretHeader, tt.secret)
			}
			r.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRunSurvivesCanceledRequestContext(t *testing.T) {
	store := &stubStore{}
	r, now := setupRouter(t, store)

	// the spawn client gives up after 500ms, canceling the request
	// context while the batch loop is still working
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := dispatch.SpawnKey("action-key", now)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/actions/run?key="+key, nil).WithContext(ctx)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if store.claimCtx == nil {
		t.Fatal("worker never reached the store")
	}
	if err := store.claimCtx.Err(); err != nil {
		t.Fatalf("worker ran on a canceled context: %v", err)
	}
}

func TestRunWorkerErrorIs500(t *testing.T) {
	r, now := setupRouter(t, &stubStore{claimErr: errors.New("db down")})

	key := dispatch.SpawnKey("action-key", now)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/actions/run?key="+key, nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
