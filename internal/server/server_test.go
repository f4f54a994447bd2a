package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwjohns/curator/internal/auth"
	"github.com/jwjohns/curator/internal/obs"
	"github.com/jwjohns/curator/internal/ratelimit"
)

type staticSource []ratelimit.Snapshot

func (s staticSource) Snapshots() []ratelimit.Snapshot { return s }

func newTestServer(t *testing.T, mws ...Middleware) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	src := staticSource{{Model: "gpt-4o", MaxRequestsPerMinute: 500, Stats: ratelimit.Stats{Succeeded: 3}}}
	reg.MustRegister(obs.NewSnapshotCollector(src))

	h := NewHandler(Config{Version: "v1.2.3"}, Deps{
		Source:     src,
		Gatherer:   reg,
		Logger:     zerolog.Nop(),
		Middleware: mws,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestHandler_Endpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := get(t, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, body)

	_, body = get(t, srv.URL+"/version", nil)
	assert.Equal(t, "v1.2.3", body)

	resp, body = get(t, srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `curator_units{model="gpt-4o",state="succeeded"} 3`)

	resp, body = get(t, srv.URL+"/v1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "v1.2.3", status.Version)
	require.Len(t, status.Models, 1)
	assert.Equal(t, "gpt-4o", status.Models[0].Model)
	assert.Equal(t, int64(3), status.Models[0].Succeeded)

	resp, body = get(t, srv.URL+"/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "not_found")
}

func TestHandler_EmptySourceReturnsEmptyList(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Config{}, Deps{Logger: zerolog.Nop()}))
	defer srv.Close()

	_, body := get(t, srv.URL+"/v1/status", nil)
	assert.Contains(t, body, `"models":[]`)

	resp, _ := get(t, srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "metrics disabled without a gatherer")
}

func TestHandler_AuthMiddleware(t *testing.T) {
	store := auth.NewStatic("", map[string]string{"k": "ops"})
	srv := newTestServer(t, store.Middleware(map[string]struct{}{"/health": {}}))

	resp, _ := get(t, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/v1/status", http.Header{auth.DefaultHeader: {"k"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "h") }),
		mw("a"), nil, mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "h"}, order)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{Version: "dev"}, Deps{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
