package wakeuperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

func i64(n int64) *int64 { return &n }

func TestClassify_RoundTrip(t *testing.T) {
	raw := Encode(Payload{
		Kind:          KindVerificationRequired,
		Message:       "Verify your account",
		ErrorCode:     i64(403),
		ValidationURL: "https://x",
	})

	c := Classify(raw)

	require.True(t, c.Structured)
	assert.Equal(t, KindVerificationRequired, c.Kind())
	assert.Equal(t, "Verify your account", c.Text())
	assert.Equal(t, "https://x", c.Payload.ValidationURL)
	require.NotNil(t, c.Payload.ErrorCode)
	assert.EqualValues(t, 403, *c.Payload.ErrorCode)
	assert.Equal(t, "Error code: 403", c.Summary())
}

func TestClassify_PlainText(t *testing.T) {
	for _, raw := range []string{
		"connection refused",
		"",
		ErrorPrefix + "{not json",
		ErrorPrefix + "null",
		ErrorPrefix + " ",
		ErrorPrefix + `"quota"`,
		ErrorPrefix + `[{"kind":"quota"}]`,
		ErrorPrefix + "42",
	} {
		c := Classify(raw)
		assert.False(t, c.Structured, "raw %q", raw)
		assert.Equal(t, KindGeneric, c.Kind())
		assert.Equal(t, raw, c.Text())
		assert.Equal(t, raw, c.Summary())
		assert.Empty(t, c.Details())
	}
}

func TestClassify_TrimsBody(t *testing.T) {
	c := Classify(ErrorPrefix + "\n  {\"version\":1,\"kind\":\"quota\",\"message\":\"slow down\"}  ")
	assert.True(t, c.Structured)
	assert.Equal(t, KindQuota, c.Kind())
	assert.Equal(t, "slow down", c.Message())
}

func TestClassify_EmptyMessageFallsBackToRaw(t *testing.T) {
	raw := ErrorPrefix + `{"version":1,"kind":"quota","message":""}`
	c := Classify(raw)
	assert.True(t, c.Structured)
	assert.Equal(t, raw, c.Text())
	assert.Equal(t, "", c.Message())
}

func TestClassify_UnknownKindIsGeneric(t *testing.T) {
	c := Classify(ErrorPrefix + `{"version":1,"kind":"weird","message":"m"}`)
	assert.Equal(t, KindGeneric, c.Kind())
}

func TestSummary_DefaultsCode(t *testing.T) {
	c := Classify(ErrorPrefix + `{"version":1,"kind":"verification_required","message":"m"}`)
	assert.Equal(t, "Error code: 403", c.Summary())
}

func TestKindForCode(t *testing.T) {
	tests := []struct {
		code *int64
		want Kind
	}{
		{i64(403), KindVerificationRequired},
		{i64(429), KindQuota},
		{i64(4), KindTemporary},
		{i64(8), KindTemporary},
		{i64(13), KindTemporary},
		{i64(14), KindTemporary},
		{i64(500), KindGeneric},
		{nil, KindGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForCode(tt.code))
	}
}

func TestEncode_DerivesKind(t *testing.T) {
	c := Classify(Encode(Payload{Message: "slow down", ErrorCode: i64(429)}))
	assert.Equal(t, KindQuota, c.Kind())
	assert.Equal(t, 1, c.Payload.Version)
}

func TestDetails_SkipsEmpty(t *testing.T) {
	c := Classify(Encode(Payload{Kind: KindGeneric, Message: "m", TrajectoryID: "traj-1", StepJSON: "  "}))
	assert.Equal(t, []Detail{{Label: "trajectoryId", Value: "traj-1"}}, c.Details())
}

func TestDebugText(t *testing.T) {
	c := Classify(Encode(Payload{Kind: KindVerificationRequired, Message: "verify", ErrorCode: i64(403)}))
	text := c.DebugText("a@example.com", "gemini-3-flash", "hi")
	assert.Contains(t, text, "account: a@example.com")
	assert.Contains(t, text, "kind: verification_required")
	assert.Contains(t, text, "errorCode: 403")
	assert.NotContains(t, text, "validationUrl")
}

func TestFromError(t *testing.T) {
	pe := NewPingError(Encode(Payload{Kind: KindQuota, Message: "quota"}))
	wrapped := fmt.Errorf("ping: %w", pe)

	assert.Equal(t, KindQuota, FromError(wrapped).Kind())
	assert.Equal(t, pe.Raw, pe.Error())
	assert.False(t, FromError(errors.New("boom")).Structured)
}

func TestVerificationOutcome(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     domain.VerificationStatus
		wantCode *int64
	}{
		{"structured verification", NewPingError(Encode(Payload{Kind: KindVerificationRequired, Message: "v"})), domain.StatusVerificationRequired, nil},
		{"structured 403 code", NewPingError(Encode(Payload{Kind: KindGeneric, Message: "v", ErrorCode: i64(403)})), domain.StatusVerificationRequired, i64(403)},
		{"structured quota", NewPingError(Encode(Payload{Kind: KindQuota, Message: "q", ErrorCode: i64(429)})), domain.StatusFailed, i64(429)},
		{"auth expired", errors.New("Authorization expired, sign in again"), domain.StatusAuthExpired, i64(401)},
		{"unauthenticated", errors.New("rpc error: UNAUTHENTICATED"), domain.StatusAuthExpired, i64(401)},
		{"plain 403", errors.New("HTTP 403 Forbidden"), domain.StatusVerificationRequired, i64(403)},
		{"other", errors.New("timeout"), domain.StatusFailed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerificationOutcome(tt.err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantCode, got.ErrorCode)
		})
	}
}

func TestRuntimeErrors(t *testing.T) {
	rn := ParseRuntimeError(PathNotFoundPrefix + "antigravity")
	assert.True(t, rn.PathMissing)
	assert.Equal(t, "antigravity", rn.App)
	assert.True(t, IsPathMissing(fmt.Errorf("ready: %w", rn)))

	other := ParseRuntimeError("socket closed")
	assert.False(t, other.PathMissing)
	assert.False(t, IsPathMissing(other))
	assert.True(t, IsPathMissing(errors.New(PathNotFoundPrefix+"antigravity")))
	assert.False(t, IsPathMissing(nil))
}
