package pinger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/wakeup-engine/internal/wakeuperr"
)

func TestClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wakeup/ping", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acc-1", req.AccountID)
		assert.Equal(t, 32, req.MaxOutputTokens)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reply":"hello","promptTokens":3,"totalTokens":5,"traceId":"tr","durationMs":120}`))
	}))
	defer server.Close()

	resp, err := New(server.URL).Ping(context.Background(), Request{AccountID: "acc-1", Model: "m", Prompt: "hi", MaxOutputTokens: 32})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Reply)
	require.NotNil(t, resp.PromptTokens)
	assert.Equal(t, 3, *resp.PromptTokens)
	assert.Nil(t, resp.CompletionTokens)
	require.NotNil(t, resp.DurationMs)
	assert.Equal(t, int64(120), *resp.DurationMs)
}

func TestClient_PingStructuredError(t *testing.T) {
	raw := wakeuperr.ErrorPrefix + `{"version":1,"kind":"verification_required","message":"verify","errorCode":403}`
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": raw})
	}))
	defer server.Close()

	_, err := New(server.URL, WithBackoff(time.Millisecond)).Ping(context.Background(), Request{})

	var pe *wakeuperr.PingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, raw, pe.Error())
	assert.Equal(t, wakeuperr.KindVerificationRequired, pe.Kind())
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestClient_QuotaNotRetried(t *testing.T) {
	raw := wakeuperr.ErrorPrefix + `{"version":1,"kind":"quota","message":"quota exhausted","errorCode":429}`
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": raw})
	}))
	defer server.Close()

	_, err := New(server.URL, WithAttempts(3), WithBackoff(time.Millisecond)).Ping(context.Background(), Request{})

	var pe *wakeuperr.PingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, wakeuperr.KindQuota, pe.Kind())
	assert.Equal(t, int32(1), calls.Load(), "a rate-limited account gets one ping")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer server.Close()

	resp, err := New(server.URL, WithBackoff(time.Millisecond)).Ping(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Reply)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("slow down"))
	}))
	defer server.Close()

	_, err := New(server.URL, WithAttempts(3), WithBackoff(time.Millisecond)).Ping(context.Background(), Request{})

	var pe *wakeuperr.PingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "slow down", pe.Raw)
	assert.False(t, pe.Structured)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_EnsureReady(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wakeup/ready", r.URL.Path)
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": wakeuperr.PathNotFoundPrefix + "antigravity"})
	}))
	defer server.Close()

	client := New(server.URL)
	require.NoError(t, client.EnsureReady(context.Background()))

	ready.Store(false)
	err := client.EnsureReady(context.Background())
	assert.True(t, wakeuperr.IsPathMissing(err))
	var rn *wakeuperr.RuntimeNotReadyError
	require.True(t, errors.As(err, &rn))
	assert.Equal(t, "antigravity", rn.App)
}
