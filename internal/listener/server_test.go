package listener

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/sample"
	"github.com/mtiwari1/peekaboo/internal/session"
)

// instantPool completes every sample as soon as it is submitted.
type instantPool struct {
	sessions *session.Map
	refuse   bool
}

func (p *instantPool) Submit(s *sample.Sample) bool {
	if p.refuse {
		return false
	}
	if err := s.Enqueue(); err != nil {
		return false
	}
	go func() {
		_ = s.Claim()
		_ = s.Complete(&sample.Verdict{Classification: sample.Good, Score: 0.5})
		p.sessions.Resolve(s)
	}()
	return true
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pbl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "peekaboo.sock")
}

func startServer(t *testing.T, refuse bool) *Server {
	t.Helper()
	sessions := session.NewMap(time.Second, zap.NewNop())
	pool := &instantPool{sessions: sessions, refuse: refuse}
	srv := New(Config{SocketFile: socketPath(t), Backlog: 4, RequestTimeout: 2 * time.Second},
		pool, sessions, nil, nil, zap.NewNop())
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func roundTrip(t *testing.T, srv *Server, request string) string {
	t.Helper()
	conn, err := net.Dial("unix", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	banner := make([]byte, len(Banner))
	_, err = io.ReadFull(conn, banner)
	require.NoError(t, err)
	assert.Equal(t, Banner, string(banner))

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(out)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mail.eml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestServer_Rejections(t *testing.T) {
	srv := startServer(t, false)
	file := writeFile(t, "x")
	dir := t.TempDir()

	tests := []struct {
		name    string
		request string
		code    ErrorCode
	}{
		{"garbage", "this is not json", InvalidJSON},
		{"object", `{"full_name": "/tmp/x"}`, InvalidFormat},
		{"missing full_name", `[{"name_declared": "a.exe"}]`, IncompleteDescriptor},
		{"element not object", `["/tmp/x"]`, IncompleteDescriptor},
		{"full_name not string", `[{"full_name": 42}]`, IncompleteDescriptor},
		{"missing path", `[{"full_name": "/nonexistent/peekaboo/sample"}]`, PathNotFound},
		{"empty path", `[{"full_name": ""}]`, PathNotFound},
		{"directory", `[{"full_name": ` + quote(dir) + `}]`, NotAFile},
		{"first failure wins", `[{"full_name": ` + quote(file) + `}, {"full_name": ` + quote(dir) + `}, {}]`, NotAFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, srv, tt.request)
			assert.Equal(t, string(tt.code.Response()), got)
		})
	}
}

func TestServer_ValidRequestGetsConsolidatedResponse(t *testing.T) {
	srv := startServer(t, false)
	a := writeFile(t, "first")
	b := writeFile(t, "second")

	req := `[{"full_name": ` + quote(a) + `, "name_declared": "invoice.pdf", "x-extra": [1,2]},
	         {"full_name": ` + quote(b) + `}]`
	out := roundTrip(t, srv, req)

	var res []session.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 2)
	assert.Equal(t, a, res[0].FullName)
	assert.Equal(t, "invoice.pdf", res[0].NameDeclared)
	assert.JSONEq(t, `[1,2]`, string(res[0].Metadata["x-extra"]))
	assert.Equal(t, b, res[1].FullName)
	for _, r := range res {
		assert.Equal(t, "completed", r.State)
		assert.Equal(t, sample.Good, r.Classification)
	}
	assert.Less(t, res[0].ID, res[1].ID)
}

func TestServer_EmptyBatch(t *testing.T) {
	srv := startServer(t, false)
	assert.Equal(t, "[]\n", roundTrip(t, srv, "[]"))
}

func TestServer_RefusedSubmitStillAnswers(t *testing.T) {
	srv := startServer(t, true)
	out := roundTrip(t, srv, `[{"full_name": `+quote(writeFile(t, "x"))+`}]`)

	var res []session.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 1)
	assert.Equal(t, "failed", res[0].State)
	assert.Equal(t, shutdownCause, res[0].Error)
}

func TestServer_ReadTimeoutIsInvalidJSON(t *testing.T) {
	sessions := session.NewMap(time.Second, zap.NewNop())
	srv := New(Config{SocketFile: socketPath(t), Backlog: 2, RequestTimeout: 50 * time.Millisecond},
		&instantPool{sessions: sessions}, sessions, nil, nil, zap.NewNop())
	require.NoError(t, srv.Listen())
	go srv.Serve()
	defer srv.Close()

	conn, err := net.Dial("unix", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, Banner+string(InvalidJSON.Response()), string(out))
}

func TestServer_SocketLifecycle(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	sessions := session.NewMap(0, zap.NewNop())
	srv := New(Config{SocketFile: path, Backlog: 2}, &instantPool{sessions: sessions}, sessions, nil, nil, zap.NewNop())
	require.NoError(t, srv.Listen())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode().Type())
	assert.Equal(t, os.FileMode(0o666), info.Mode().Perm())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestServer_ListenFailsAfterRetries(t *testing.T) {
	old := bindRetryDelay
	bindRetryDelay = time.Millisecond
	defer func() { bindRetryDelay = old }()

	srv := New(Config{SocketFile: "/nonexistent-dir/peekaboo.sock"}, nil, nil, nil, nil, zap.NewNop())
	err := srv.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "invalid_json", InvalidJSON.String())
	assert.Equal(t, "ERROR not_a_file: Input is not a file.\n", string(NotAFile.Response()))
	assert.Equal(t, "error_code(99)", ErrorCode(99).String())
	assert.Equal(t, "Unknown error.", ErrorCode(99).Message())
}

// flakyListener fails the first few Accept calls the way a process out of
// file descriptors does.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestServer_TransientAcceptErrorsKeepServing(t *testing.T) {
	sessions := session.NewMap(time.Second, zap.NewNop())
	srv := New(Config{SocketFile: socketPath(t), Backlog: 4, RequestTimeout: 2 * time.Second},
		&instantPool{sessions: sessions}, sessions, nil, nil, zap.NewNop())
	require.NoError(t, srv.Listen())
	flaky := &flakyListener{Listener: srv.ln}
	flaky.failures.Store(3)
	srv.ln = flaky

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()
	t.Cleanup(func() { srv.Close() })

	assert.Equal(t, "[]\n", roundTrip(t, srv, "[]"))
	assert.Equal(t, "[]\n", roundTrip(t, srv, "[]"))

	require.NoError(t, srv.Close())
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServer_ListenerClosedUnderneathIsAnError(t *testing.T) {
	sessions := session.NewMap(0, zap.NewNop())
	srv := New(Config{SocketFile: socketPath(t), Backlog: 2}, &instantPool{sessions: sessions}, sessions, nil, nil, zap.NewNop())
	require.NoError(t, srv.Listen())
	defer srv.Close()

	require.NoError(t, srv.ln.Close())
	err := srv.Serve()
	assert.ErrorIs(t, err, net.ErrClosed)
}

// recordingPool resolves synchronously inside Submit and records how many
// samples of the session were outstanding when the first one arrived.
type recordingPool struct {
	sessions     *session.Map
	calls        atomic.Int32
	firstPending atomic.Int32
}

func (p *recordingPool) Submit(s *sample.Sample) bool {
	if p.calls.Add(1) == 1 {
		p.firstPending.Store(int32(p.sessions.Outstanding(s.SessionID())))
	}
	if err := s.Enqueue(); err != nil {
		return false
	}
	_ = s.Claim()
	_ = s.Complete(&sample.Verdict{Classification: sample.Good})
	p.sessions.Resolve(s)
	return true
}

func TestServer_WholeBatchRegisteredBeforeFirstSubmit(t *testing.T) {
	sessions := session.NewMap(time.Second, zap.NewNop())
	pool := &recordingPool{sessions: sessions}
	srv := New(Config{SocketFile: socketPath(t), Backlog: 2, RequestTimeout: 2 * time.Second},
		pool, sessions, nil, nil, zap.NewNop())
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	a, b, c := writeFile(t, "a"), writeFile(t, "b"), writeFile(t, "c")
	out := roundTrip(t, srv, `[{"full_name": `+quote(a)+`}, {"full_name": `+quote(b)+`}, {"full_name": `+quote(c)+`}]`)

	var res []session.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res, 3)
	assert.EqualValues(t, 3, pool.calls.Load())
	assert.EqualValues(t, 3, pool.firstPending.Load())
}
