package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon serves a minimal slice of the daemon API and records requests.
func fakeDaemon(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/services", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.String())
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "bad spec"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/api/up", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.String())
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/api/down", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.String())
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.String())
		if name := r.URL.Query().Get("name"); name != "" {
			if name == "ghost" {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unknown service: ghost"})
				return
			}
			_ = json.NewEncoder(w).Encode(ServiceStatus{Name: name, State: "running", PID: 42})
			return
		}
		_ = json.NewEncoder(w).Encode([]ServiceStatus{{Name: "db", State: "running"}})
	})
	mux.HandleFunc("/api/volumes", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.String())
		_ = json.NewEncoder(w).Encode([]VolumeInfo{{Name: "pgdata", Materialized: true, UsedBy: []string{"db"}}})
	})
	mux.HandleFunc("/api/volumes/", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.String())
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seen
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second})
}

func TestClientRegister(t *testing.T) {
	srv, seen := fakeDaemon(t)
	c := newTestClient(srv)

	err := c.Register(context.Background(), RegisterRequest{Name: "db", Image: "postgres:16"})
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, "POST /api/services", (*seen)[0])

	err = c.Register(context.Background(), RegisterRequest{Image: "no-name"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad spec")
}

func TestClientUpDown(t *testing.T) {
	srv, seen := fakeDaemon(t)
	c := newTestClient(srv)

	require.NoError(t, c.Up(context.Background(), "db"))
	require.NoError(t, c.Up(context.Background(), ""))
	require.NoError(t, c.Down(context.Background(), "db", 5*time.Second))

	assert.Equal(t, "POST /api/up?name=db", (*seen)[0])
	assert.Equal(t, "POST /api/up", (*seen)[1])
	assert.Equal(t, "POST /api/down?name=db&wait=5s", (*seen)[2])
}

func TestClientStatus(t *testing.T) {
	srv, _ := fakeDaemon(t)
	c := newTestClient(srv)

	st, err := c.Status(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 42, st.PID)

	_, err = c.Status(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")

	all, err := c.StatusAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "db", all[0].Name)
}

func TestClientVolumes(t *testing.T) {
	srv, seen := fakeDaemon(t)
	c := newTestClient(srv)

	vols, err := c.Volumes(context.Background())
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "pgdata", vols[0].Name)
	assert.Equal(t, []string{"db"}, vols[0].UsedBy)

	require.NoError(t, c.RemoveVolume(context.Background(), "pgdata"))
	assert.Equal(t, "DELETE /api/volumes/pgdata", (*seen)[1])
}

func TestClientIsReachable(t *testing.T) {
	srv, _ := fakeDaemon(t)
	c := newTestClient(srv)
	assert.True(t, c.IsReachable(context.Background()))

	dead := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	assert.False(t, dead.IsReachable(context.Background()))
}
