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

	"github.com/loykin/portvisor/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var gotPath, gotMethod string
	var got history.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(srv.URL+"/", "portvisor")
	e := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Service: "DataExplorer", Port: 8085, Outcome: "running"}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/portvisor/_doc", gotPath)
	assert.Equal(t, "DataExplorer", got.Service)
	assert.Equal(t, 8085, got.Port)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStop, Service: "BranchMapper"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "status 400")
	assert.ErrorContains(t, err, "stop event for BranchMapper")
	assert.ErrorContains(t, err, "mapper_parsing_exception")
}

func TestOpenSearchSink_EscapesIndex(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "a/b").Send(context.Background(), history.Event{Service: "API"}))
	assert.Equal(t, "/a%2Fb/_doc", gotPath)
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	err := New("http://127.0.0.1:1", "idx").Send(context.Background(), history.Event{Type: history.EventStart, Service: "API"})
	assert.ErrorContains(t, err, "start event for API")
}
