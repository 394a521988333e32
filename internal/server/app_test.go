package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	collysource "github.com/JakeFAU/catalog-harvester/internal/source/colly"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/items/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/items/")
		if id == "3" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><div class="item"><span class="code">SKU-%s</span><h1>Item %s</h1></div></body></html>`, id, id)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 0, ShutdownTimeoutSeconds: 5},
		HTTP:     config.HTTPConfig{TimeoutSeconds: 5, UserAgent: "harvester-test"},
		Retry:    config.RetryConfig{MaxRetries: 0, InitialBackoffMs: 1},
		Storage:  config.StorageConfig{Provider: config.ProviderMemory},
		Archive:  config.ArchiveConfig{Provider: config.ProviderMemory},
		Progress: config.ProgressConfig{MaxBatchWaitMs: 10},
		Source: collysource.Config{
			BaseURL:  baseURL,
			ItemPath: "/items/{key}",
			Selectors: collysource.Selectors{
				Detail: "div.item",
				Code:   "span.code",
				Title:  "h1",
			},
		},
		Jobs: map[string]config.JobConfig{
			"range": {Kind: crawler.JobKindRange, Concurrency: 2, BatchSize: 2},
		},
	}
}

func buildTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, WithLogger(zaptest.NewLogger(t)), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(ctx))
	})
	return app
}

func TestRunJobEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	app := buildTestApp(t, testConfig(srv.URL))

	job, err := app.RunJob(context.Background(), "range", crawler.WorkSpec{RangeStart: 1, RangeEnd: 4})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateIdle, job.State)
	require.Empty(t, job.LastError)
	require.NotEmpty(t, job.RunID)

	item, err := app.stores.items.GetItem(context.Background(), "SKU-2")
	require.NoError(t, err)
	require.Equal(t, "Item 2", item.Title)
	require.Equal(t, int64(2), item.ExternalID)

	_, err = app.stores.items.GetItem(context.Background(), "SKU-3")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/range/runs", nil))
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Runs []struct {
				Status string `json:"status"`
				Items  int64  `json:"items"`
			} `json:"runs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Runs) != 1 {
			return false
		}
		return body.Runs[0].Status == "success" && body.Runs[0].Items == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunJobUnknownType(t *testing.T) {
	t.Parallel()

	app := buildTestApp(t, testConfig(newCatalogServer(t).URL))
	_, err := app.RunJob(context.Background(), "missing", crawler.WorkSpec{})
	require.Error(t, err)
}

func TestRunJobReportsAbort(t *testing.T) {
	t.Parallel()

	app := buildTestApp(t, testConfig(newCatalogServer(t).URL))
	job, err := app.RunJob(context.Background(), "range", crawler.WorkSpec{RangeStart: 5, RangeEnd: 1})
	require.Error(t, err)
	require.NotEmpty(t, job.LastError)
}

func TestBuildRegistersSchedules(t *testing.T) {
	t.Parallel()

	cfg := testConfig(newCatalogServer(t).URL)
	cfg.Jobs["refresh"] = config.JobConfig{Kind: crawler.JobKindRefresh, Concurrency: 1, BatchSize: 5, Interval: time.Hour}
	app := buildTestApp(t, cfg)

	require.Equal(t, 1, app.scheduler.Len())
	require.Len(t, app.Controller().List(), 2)
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "unknown kind", mutate: func(c *config.Config) {
			c.Jobs["bogus"] = config.JobConfig{Kind: "bogus", Concurrency: 1, BatchSize: 1}
		}},
		{name: "bad dsn", mutate: func(c *config.Config) {
			c.Storage.Provider = config.ProviderPostgres
			c.DB.DSN = "postgres://%zz"
		}},
		{name: "missing base url", mutate: func(c *config.Config) {
			c.Source.BaseURL = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(srv.URL)
			tt.mutate(&cfg)
			_, err := Build(context.Background(), cfg, WithLogger(zaptest.NewLogger(t)), WithRegisterer(prometheus.NewRegistry()))
			require.Error(t, err)
		})
	}
}
