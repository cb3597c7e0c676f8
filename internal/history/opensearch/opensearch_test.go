package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/store"
)

func TestSinkSendPostsDocument(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL+"/", "service-history")
	e := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     store.Record{Name: "db", PID: 42, State: "running", Running: true, Uniq: "42-1"},
	}
	require.NoError(t, s.Send(context.Background(), e))

	assert.Equal(t, "/service-history/_doc", gotPath)
	assert.Equal(t, "application/json", gotContentType)

	var decoded history.Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, history.EventStart, decoded.Type)
	assert.Equal(t, "db", decoded.Record.Name)
	assert.Equal(t, 42, decoded.Record.PID)
}

func TestSinkSendRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, "idx")
	err := s.Send(context.Background(), history.Event{Type: history.EventCrash})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSinkSendHonorsContext(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	defer srv.Close()
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(srv.URL, "idx").Send(ctx, history.Event{Type: history.EventStop})
	require.Error(t, err)
}
