// Package devserver is a stub support backend: the REST surface the SDK
// consumes plus a minimal STOMP-over-WebSocket broker, enough to run the
// terminal client end to end and to drive integration tests.
package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/supportsync/supportsync-go/internal/config"
	"github.com/supportsync/supportsync-go/internal/domain"
)

// Server bundles the REST handlers and the broker behind one router.
type Server struct {
	cfg      config.DevServerConfig
	maxBytes int64
	store    *Store
	broker   *Broker
	validate *validator.Validate
}

// NewServer creates the stub backend.
func NewServer(cfg config.DevServerConfig, maxUploadBytes int64, store *Store, broker *Broker) *Server {
	if maxUploadBytes == 0 {
		maxUploadBytes = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		maxBytes: maxUploadBytes,
		store:    store,
		broker:   broker,
		validate: validator.New(),
	}
}

// Router builds the HTTP router. The chat endpoints answer with the raw
// backend shapes the SDK expects, not a response envelope.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/chat.startSession", s.startSession)
	r.Post("/chat/uploadImage", s.uploadImage)
	r.Get("/chat/sessions/{sessionID}/messages", s.listMessages)
	r.Get("/ws", s.broker.Handle)
	r.Get("/ws/websocket", s.broker.Handle)

	uploads := http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.cfg.UploadDir)))
	r.Get("/uploads/*", uploads.ServeHTTP)

	return r
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.store.CreateSession(r.Context(), req.User, req.Category)
	if err != nil {
		log.Error().Err(err).Msg("create session failed")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	log.Info().Int64("session_id", *session.ID).Str("username", req.User.Username).Msg("session created")
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+4096)
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
		return
	}

	if _, err := strconv.ParseInt(r.FormValue("userId"), 10, 64); err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid userId")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	if header.Size > s.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	name := uuid.NewString() + ext
	destPath := filepath.Join(s.cfg.UploadDir, name)

	dst, err := os.Create(destPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(destPath) // cleanup on error
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	writeJSON(w, http.StatusOK, domain.UploadImageResponse{FilePath: "/uploads/" + name})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Int64("session_id", sessionID).Msg("list messages failed")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds())).
			Msg("request")
	})
}
