package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/config"
	"github.com/mtiwari1/peekaboo/internal/sample"
)

func testSample(t *testing.T, content string) *sample.Sample {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attachment.doc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return sample.New(1, path, "invoice.doc", nil, "sess")
}

func TestVerdictFromReport(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		class  sample.Classification
		score  float64
		reason string
		err    bool
	}{
		{name: "info score above threshold", raw: `{"info":{"score":7.5},"signatures":[{"name":"ransomware_files"},{"name":"injection"}]}`,
			class: sample.Bad, score: 7.5, reason: "signatures: ransomware_files, injection"},
		{name: "top level score below threshold", raw: `{"score":1.2}`, class: sample.Good, score: 1.2},
		{name: "score equal threshold", raw: `{"score":5}`, class: sample.Bad, score: 5},
		{name: "explicit classification", raw: `{"classification":"GOOD","score":9}`, class: sample.Good, score: 9},
		{name: "no score", raw: `{"signatures":[]}`, class: sample.Unknown},
		{name: "bogus classification", raw: `{"classification":"meh"}`, err: true},
		{name: "not json", raw: `oops`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := verdictFromReport("test", []byte(tt.raw), 5.0)
			if tt.err {
				var be *BackendError
				assert.True(t, errors.As(err, &be), "want BackendError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.class, v.Classification)
			assert.Equal(t, tt.score, v.Score)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, "test", v.Backend)
			assert.JSONEq(t, tt.raw, string(v.Report))
		})
	}
}

func TestReason_CapsSignatureNames(t *testing.T) {
	sigs := []signature{{Name: "a"}, {Name: ""}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	assert.Equal(t, "signatures: a, b, c", reason(sigs))
	assert.Equal(t, "", reason(nil))
}

func TestNew_SelectsVariant(t *testing.T) {
	logger := zap.NewNop()

	a, err := New(config.Sandbox{Mode: config.SandboxAPI, URL: "http://127.0.0.1:8090"}, logger)
	require.NoError(t, err)
	assert.Equal(t, apiName, a.Name())

	e, err := New(config.Sandbox{Mode: config.SandboxEmbed, Exec: "/bin/sh -c true"}, logger)
	require.NoError(t, err)
	assert.Equal(t, embeddedName, e.Name())

	_, err = New(config.Sandbox{Mode: "vm"}, logger)
	assert.Error(t, err)
}

func TestBackendError(t *testing.T) {
	inner := errors.New("exit status 3")
	err := error(&BackendError{Backend: "x", Msg: "boom", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, errors.Is(err, ErrBackendUnavailable))
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
