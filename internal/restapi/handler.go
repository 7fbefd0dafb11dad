// Package restapi implements the operator HTTP surface: health, sample and
// verdict lookups, pool stats and Prometheus metrics.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/peekaboo/internal/repository"
	"github.com/mtiwari1/peekaboo/internal/sample"
	pb "github.com/mtiwari1/peekaboo/proto"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the part of the result store the handler reads.
type Store interface {
	GetVerdict(ctx context.Context, sha256 string) (*sample.Verdict, error)
	ListRecent(ctx context.Context, limit int) ([]*repository.SampleRecord, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for the HTTP endpoints.
type Handler struct {
	control    pb.ControlServer
	store      Store
	socketFile string
	metrics    http.Handler
	logger     *zap.Logger
}

// NewHandler creates the handler. metrics may be nil to disable /metrics.
func NewHandler(control pb.ControlServer, store Store, socketFile string, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{
		control:    control,
		store:      store,
		socketFile: socketFile,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterRoutes attaches all routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /samples/{id}", h.getSample)
	mux.HandleFunc("GET /samples", h.listSamples)
	mux.HandleFunc("GET /verdicts/{sha256}", h.getVerdict)
	mux.HandleFunc("GET /stats", h.stats)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// NewServer wraps mux in an http.Server with the daemon's timeouts.
func NewServer(addr string, mux http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ---------- GET /samples/{id} ----------

func (h *Handler) getSample(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()
	id := r.PathValue("id")
	logger.Debug("get sample request", zap.String("uuid", id))

	rep, err := h.control.GetSample(r.Context(), &pb.GetSampleRequest{UUID: id})
	if err != nil {
		logger.Warn("get sample", zap.String("uuid", id), zap.Error(err))
		http.Error(w, status.Convert(err).Message(), grpcToHTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ---------- GET /samples ----------

func (h *Handler) listSamples(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		logger.Error("list samples", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"uuid":          rec.UUID,
			"submission_id": rec.SubmissionID,
			"sha256":        rec.SHA256,
			"full_name":     rec.FullName,
			"name_declared": rec.DeclaredName,
			"state":         rec.State,
			"cause":         rec.Cause,
			"created_at":    rec.CreatedAt,
			"updated_at":    rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------- GET /verdicts/{sha256} ----------

func (h *Handler) getVerdict(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()
	sha := r.PathValue("sha256")

	v, err := h.store.GetVerdict(r.Context(), sha)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "verdict not found", http.StatusNotFound)
			return
		}
		logger.Error("get verdict", zap.String("sha256", sha), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ---------- GET /stats ----------

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	rep, err := h.control.Stats(r.Context(), &pb.StatsRequest{})
	if err != nil {
		http.Error(w, status.Convert(err).Message(), grpcToHTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ---------- GET /healthz ----------

// healthz checks the result store and the presence of the request socket.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	result := map[string]string{"status": "ok"}
	httpStatus := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		result["status"] = "degraded"
		result["database"] = "unreachable: " + err.Error()
		httpStatus = http.StatusServiceUnavailable
	} else {
		result["database"] = "connected"
	}

	if info, err := os.Stat(h.socketFile); err != nil || info.Mode().Type() != os.ModeSocket {
		result["status"] = "degraded"
		result["socket"] = "not listening"
		httpStatus = http.StatusServiceUnavailable
	} else {
		result["socket"] = "ok"
	}

	writeJSON(w, httpStatus, result)
}

func (h *Handler) requestLogger() *zap.Logger {
	return h.logger.With(zap.String("request_id", uuid.New().String()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// grpcToHTTPStatus maps gRPC status codes to HTTP status codes.
func grpcToHTTPStatus(err error) int {
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch st.Code() {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
