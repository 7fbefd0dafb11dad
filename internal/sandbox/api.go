package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

const (
	apiName        = "cuckoo-api"
	maxReportBytes = 32 << 20
)

// API is a per-call client of a Cuckoo-compatible REST API.
type API struct {
	base      *url.URL
	client    *http.Client
	poll      time.Duration
	threshold float64
	logger    *zap.Logger
}

// NewAPI creates a client for the API rooted at baseURL.
func NewAPI(baseURL string, poll time.Duration, threshold float64, logger *zap.Logger) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sandbox: invalid api url %q", baseURL)
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &API{
		base:      u,
		client:    &http.Client{Timeout: 60 * time.Second},
		poll:      poll,
		threshold: threshold,
		logger:    logger.With(zap.String("backend", apiName)),
	}, nil
}

func (a *API) Name() string { return apiName }

// Run has nothing to drive; it holds the main goroutine until ctx ends.
func (a *API) Run(ctx context.Context) error {
	a.logger.Info("api sandbox client ready", zap.String("url", a.base.String()))
	<-ctx.Done()
	return ctx.Err()
}

// Analyze uploads the sample, polls the task until it is reported and
// builds the verdict from the report.
func (a *API) Analyze(ctx context.Context, s *sample.Sample) (*sample.Verdict, error) {
	logger := a.logger.With(zap.Uint64("sample_id", s.ID()))

	taskID, err := a.submit(ctx, s)
	if err != nil {
		return nil, err
	}
	logger.Info("sample submitted to sandbox", zap.Int64("task_id", taskID))

	if err := a.wait(ctx, taskID); err != nil {
		return nil, err
	}

	raw, err := a.get(ctx, "/tasks/report/"+strconv.FormatInt(taskID, 10))
	if err != nil {
		return nil, err
	}
	return verdictFromReport(apiName, raw, a.threshold)
}

func (a *API) submit(ctx context.Context, s *sample.Sample) (int64, error) {
	f, err := os.Open(s.Path())
	if err != nil {
		return 0, &BackendError{Backend: apiName, Msg: "open sample", Err: err}
	}
	defer f.Close()

	name := s.DeclaredName()
	if name == "" {
		name = filepath.Base(s.Path())
	}

	// Stream the upload; the file never sits in memory as a whole.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/tasks/create/file"), pr)
	if err != nil {
		pr.Close()
		return 0, fmt.Errorf("sandbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := a.do(req)
	if err != nil {
		return 0, err
	}
	var created struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.TaskID == 0 {
		return 0, &BackendError{Backend: apiName, Msg: "no task id in create response", Err: err}
	}
	return created.TaskID, nil
}

func (a *API) wait(ctx context.Context, taskID int64) error {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	path := "/tasks/view/" + strconv.FormatInt(taskID, 10)
	for {
		raw, err := a.get(ctx, path)
		if err != nil {
			return err
		}
		var view struct {
			Task struct {
				Status string `json:"status"`
			} `json:"task"`
		}
		if err := json.Unmarshal(raw, &view); err != nil {
			return &BackendError{Backend: apiName, Msg: "unparseable task view", Err: err}
		}

		switch status := view.Task.Status; {
		case status == "reported":
			return nil
		case strings.HasPrefix(status, "failed"):
			return &BackendError{Backend: apiName, Msg: fmt.Sprintf("task %d %s", taskID, status)}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *API) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint(path), nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: build request: %w", err)
	}
	return a.do(req)
}

// do maps transport failures and 5xx to ErrBackendUnavailable and other
// non-2xx answers to BackendError.
func (a *API) do(req *http.Request) ([]byte, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReportBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, req.URL.Path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s returned %s", ErrBackendUnavailable, req.Method, req.URL.Path, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &BackendError{Backend: apiName, Msg: fmt.Sprintf("%s %s returned %s", req.Method, req.URL.Path, resp.Status)}
	}
	return body, nil
}

func (a *API) endpoint(path string) string {
	return a.base.String() + path
}
