package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"mediagate/internal/servicetoken"
	"mediagate/internal/util"
	"mediagate/pkg/catalog"
	"mediagate/pkg/domain"
	"mediagate/pkg/storage"
	"mediagate/services/gate/internal/transport"
)

const maxActionBytes = 64 << 10

// Dispatcher is the transport gatekeeper.
type Dispatcher interface {
	Dispatch(ctx context.Context, action domain.Action) (domain.Response, error)
	IsAdmin(userID int64) bool
}

// MediaAdder registers uploaded media in the catalog.
type MediaAdder interface {
	AddMedia(ctx context.Context, ref domain.MediaRef, addedBy int64) (string, error)
}

// Alerter aggregates failed audit events by client.
type Alerter interface {
	Record(ctx context.Context, event, outcome, subject string)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Gate    Dispatcher
	Catalog MediaAdder

	// Archive is optional; uploads are disabled without it.
	Archive storage.MediaArchive

	// Verifier is optional; when set every /v1 request needs a frontend token.
	Verifier *servicetoken.Verifier

	// Alerter is optional; it turns repeated failed audits into alerts.
	Alerter Alerter

	MaxUploadBytes int64
	Ready          func(ctx context.Context) error
}

// Server exposes the gate over HTTP.
type Server struct {
	gate           Dispatcher
	catalog        MediaAdder
	archive        storage.MediaArchive
	verifier       *servicetoken.Verifier
	alerter        Alerter
	maxUploadBytes int64
	ready          func(ctx context.Context) error
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, errors.New("gatekeeper is required")
	}
	if cfg.Archive != nil && cfg.Catalog == nil {
		return nil, errors.New("catalog is required for uploads")
	}
	s := &Server{
		gate:           cfg.Gate,
		catalog:        cfg.Catalog,
		archive:        cfg.Archive,
		verifier:       cfg.Verifier,
		alerter:        cfg.Alerter,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		ready:          cfg.Ready,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/v1/actions", s.frontendOnly(s.handleAction))
	s.mux.Handle("/v1/admin/media", s.frontendOnly(s.handleUpload))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			util.LoggerFromContext(r.Context()).Warn("readiness check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) frontendOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next(w, r)
			return
		}
		claims, err := s.verifier.VerifyRequest(r)
		if err != nil {
			reason := "invalid_signature_or_claims"
			if errors.Is(err, servicetoken.ErrMissingToken) {
				reason = "missing_token"
			}
			s.audit(r, "gate.frontend.verify", "fail", "reason", reason)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With(
			"frontend", claims.Issuer,
		))
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var action domain.Action
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid action body")
		return
	}
	resp, err := s.gate.Dispatch(r.Context(), action)
	switch {
	case errors.Is(err, transport.ErrIgnored):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, transport.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, "invalid action")
	case err != nil:
		util.LoggerFromContext(r.Context()).Error("dispatch action failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

type uploadResponse struct {
	Key       string `json:"key"`
	ObjectKey string `json:"objectKey"`
}

// handleUpload stores a multipart file in the media archive and adds it to
// the catalog. Non-admin uploads are dropped silently like any admin action.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusNotImplemented, "media archive not configured")
		return
	}
	logger := util.LoggerFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	userID, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("userId")), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if !s.gate.IsAdmin(userID) {
		s.audit(r, "gate.admin.authorize", "fail", "user_id", userID, "reason", "not_admin")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	kind := domain.MediaKind(strings.ToLower(strings.TrimSpace(r.FormValue("kind"))))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be photo or video")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	objectKey := storage.ObjectKey(string(kind), header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.archive.Put(r.Context(), objectKey, file, header.Size, contentType); err != nil {
		logger.Error("archive upload failed", "object", objectKey, "err", err)
		writeError(w, http.StatusBadGateway, "media archive unavailable")
		return
	}
	key, err := s.catalog.AddMedia(r.Context(), domain.MediaRef{
		Kind:      kind,
		ContentID: objectKey,
		Source:    domain.SourceObject,
		Caption:   strings.TrimSpace(r.FormValue("caption")),
	}, userID)
	if err != nil {
		if delErr := s.archive.Delete(r.Context(), objectKey); delErr != nil {
			logger.Warn("remove orphaned upload failed", "object", objectKey, "err", delErr)
		}
		if errors.Is(err, catalog.ErrInvalidMedia) {
			writeError(w, http.StatusBadRequest, "invalid media")
			return
		}
		logger.Error("catalog add failed", "object", objectKey, "err", err)
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	s.audit(r, "gate.admin.upload", "success", "user_id", userID, "key", key)
	writeJSON(w, http.StatusCreated, uploadResponse{Key: key, ObjectKey: objectKey})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 50 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	if s.alerter != nil {
		s.alerter.Record(r.Context(), event, outcome, clientIP(r))
	}
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		if ip := strings.TrimSpace(strings.Split(xfwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

