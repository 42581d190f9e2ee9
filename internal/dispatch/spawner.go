package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hookq/hookq/internal/metrics"
)

// Spawner fires the fire-and-forget HTTP request that starts a worker in
// a fresh execution context. The request is expected to outlive us: a
// connect timeout here is the normal case, not an error.
type Spawner struct {
	client    *http.Client
	workerURL string
	secret    string
	logger    *slog.Logger
	now       func() time.Time
}

func NewSpawner(workerURL, secret string, logger *slog.Logger) *Spawner {
	return &Spawner{
		client: &http.Client{
			Timeout: 500 * time.Millisecond,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 100 * time.Millisecond,
				}).DialContext,
			},
		},
		workerURL: workerURL,
		secret:    secret,
		logger:    logger.With("component", "spawner"),
		now:       time.Now,
	}
}

// Spawn issues GET <workerURL>?key=<spawn key>. Timeouts and connection
// resets are dropped silently; anything else is logged at warning and
// never propagated.
func (s *Spawner) Spawn(ctx context.Context) {
	u, err := url.Parse(s.workerURL)
	if err != nil {
		s.logger.Warn("spawn worker: bad worker url", "url", s.workerURL, "error", err)
		return
	}
	q := u.Query()
	q.Set("key", SpawnKey(s.secret, s.now()))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		s.logger.Warn("spawn worker: build request", "error", err)
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			metrics.SpawnsTotal.WithLabelValues("fired").Inc()
			return
		}
		metrics.SpawnsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("spawn worker", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	metrics.SpawnsTotal.WithLabelValues("fired").Inc()
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}
