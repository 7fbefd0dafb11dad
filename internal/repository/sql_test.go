package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	url := "sqlite3://" + filepath.Join(t.TempDir(), "db", "peekaboo.db")
	store, err := Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url    string
		driver string
		dsn    string
		err    bool
	}{
		{url: "sqlite3:///var/lib/peekaboo.db", driver: DriverSQLite, dsn: "/var/lib/peekaboo.db"},
		{url: "sqlite://:memory:", driver: DriverSQLite, dsn: ":memory:"},
		{url: "mysql://user:pw@tcp(db:3306)/peekaboo", driver: DriverMySQL, dsn: "user:pw@tcp(db:3306)/peekaboo?"},
		{url: "postgres://x", err: true},
		{url: "no-scheme", err: true},
		{url: "mysql://", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			driver, dsn, err := ParseURL(tt.url)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, driver)
			assert.True(t, strings.HasPrefix(dsn, tt.dsn), "dsn %q", dsn)
			if driver == DriverMySQL {
				assert.Contains(t, dsn, "parseTime=true")
			}
		})
	}
}

func TestSQLStore_Verdicts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sha := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

	_, err := store.GetVerdict(ctx, sha)
	assert.ErrorIs(t, err, ErrNotFound)

	v := &sample.Verdict{
		Classification: sample.Bad,
		Score:          7.5,
		Reason:         "signature: ransomware_files",
		Backend:        "cuckoo-api",
		Report:         json.RawMessage(`{"task_id":12}`),
		AnalyzedAt:     time.Now().Truncate(time.Second),
	}
	require.NoError(t, store.SaveVerdict(ctx, sha, v))

	got, err := store.GetVerdict(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, sample.Bad, got.Classification)
	assert.Equal(t, 7.5, got.Score)
	assert.Equal(t, v.Reason, got.Reason)
	assert.Equal(t, "cuckoo-api", got.Backend)
	assert.JSONEq(t, `{"task_id":12}`, string(got.Report))
	assert.True(t, v.AnalyzedAt.Equal(got.AnalyzedAt), "want %v got %v", v.AnalyzedAt, got.AnalyzedAt)

	v.Classification = sample.Good
	v.Report = nil
	require.NoError(t, store.SaveVerdict(ctx, sha, v))
	got, err = store.GetVerdict(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, sample.Good, got.Classification)
	assert.Nil(t, got.Report)
}

func TestSQLStore_Samples(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.GetSample(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	s := sample.New(3, "/tmp/a.exe", "a.exe", nil, "sess")
	require.NoError(t, s.Enqueue())
	rec := RecordFor(s)
	require.NoError(t, store.SaveSample(ctx, rec))

	require.NoError(t, s.Fail(assert.AnError))
	require.NoError(t, store.SaveSample(ctx, RecordFor(s)))

	other := sample.New(4, "/tmp/b.pdf", "", nil, "sess")
	require.NoError(t, store.SaveSample(ctx, RecordFor(other)))

	got, err := store.GetSample(ctx, s.UUID())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.SubmissionID)
	assert.Equal(t, "failed", got.State)
	assert.Equal(t, assert.AnError.Error(), got.Cause)
	assert.Equal(t, "/tmp/a.exe", got.FullName)
	assert.Equal(t, "a.exe", got.DeclaredName)

	recent, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	require.NoError(t, store.Ping(ctx))
}

func TestSQLStore_LargeReport(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sha := strings.Repeat("ab", 32)

	// Well past the 64 KiB a MySQL TEXT column holds.
	payload, err := json.Marshal(map[string]string{"log": strings.Repeat("x", 200<<10)})
	require.NoError(t, err)
	v := &sample.Verdict{
		Classification: sample.Good,
		Backend:        "embedded",
		Report:         payload,
		AnalyzedAt:     time.Now().Truncate(time.Second),
	}
	require.NoError(t, store.SaveVerdict(ctx, sha, v))

	got, err := store.GetVerdict(ctx, sha)
	require.NoError(t, err)
	assert.Len(t, got.Report, len(payload))
	assert.JSONEq(t, string(payload), string(got.Report))
	assert.Contains(t, schema[0], "report         LONGTEXT")
}
