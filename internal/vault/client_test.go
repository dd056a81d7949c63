package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

func testEvent() envelope.Event {
	return envelope.New("vault.verify.probe", "agent-1", map[string]interface{}{"probe": true})
}

func TestIngestSuccess(t *testing.T) {
	var got envelope.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(IngestResponse{OK: true, Stored: true, Path: "/tmp/x.ndjson", Derived: 2})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).Ingest(context.Background(), testEvent())
	require.NoError(t, err)
	assert.True(t, resp.Stored)
	assert.Equal(t, 2, resp.Derived)
	assert.Equal(t, "vault.verify.probe", got.Type)
}

func TestIngestBadRequestIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(IngestResponse{OK: false, Error: "missing src", Code: "missing_src"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithBackoff(time.Millisecond)).Ingest(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))
	assert.Equal(t, "missing_src", fault.CodeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestIngestRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "disk wedged", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(IngestResponse{OK: true, Stored: true})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, WithBackoff(time.Millisecond)).Ingest(context.Background(), testEvent())
	require.NoError(t, err)
	assert.True(t, resp.Stored)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestIngestExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithRetries(2), WithBackoff(time.Millisecond)).
		Ingest(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, fault.TransientIO, fault.KindOf(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIngestUnreachableFailsClosed(t *testing.T) {
	// A server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, WithRetries(2), WithBackoff(time.Millisecond)).
		Ingest(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, fault.FailClosed, fault.KindOf(err))
}

func TestIngestRejectsInvalidEnvelopeLocally(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Ingest(context.Background(), envelope.Event{Type: "x"})
	require.Error(t, err)
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls), "invalid envelopes never hit the wire")
}

func TestEmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev envelope.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "node.claim.result", ev.Type)
		assert.Equal(t, "pi-04", ev.Src)
		json.NewEncoder(w).Encode(IngestResponse{OK: true, Stored: true})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Emit(context.Background(), "node.claim.result", "pi-04",
		map[string]interface{}{"node_id": "pi-04"})
	require.NoError(t, err)
}
