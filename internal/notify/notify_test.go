package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Verification required",
		Message: "a@example.com needs to verify",
		Tone:    ToneWarning,
		Subject: "a@example.com",
		Link:    "https://verify.example.com",
	})

	require.NoError(t, err)
	assert.Equal(t, "Verification required", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "warning", got.Attachments[0].Color)
	assert.Equal(t, "a@example.com", got.Attachments[0].Title)
	assert.Equal(t, "https://verify.example.com", got.Attachments[0].TitleLink)
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"})
	assert.Error(t, err)
}

func TestSlackNotifier_Disabled(t *testing.T) {
	assert.NoError(t, NewSlackNotifier("").Send(Notification{Title: "x"}))
}

func TestToneColors(t *testing.T) {
	tests := []struct {
		tone Tone
		want string
	}{
		{ToneSuccess, "good"},
		{ToneWarning, "warning"},
		{ToneError, "danger"},
		{ToneInfo, "#439FE0"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SlackColor(tt.tone), "tone %s", tt.tone)
	}
}

func TestMultiNotifier(t *testing.T) {
	var a, b Recorder

	multi := NewMultiNotifier(&a, &b, NoopNotifier{})
	require.NoError(t, multi.Send(Notification{Title: "Test"}))

	assert.Len(t, a.Notices(), 1)
	assert.Len(t, b.Notices(), 1)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Send(Notification{Title: "Wakeup failed", Message: "2 failed", Tone: ToneError}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Wakeup failed", entries[0].Message)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}
