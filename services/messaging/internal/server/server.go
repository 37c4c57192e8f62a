package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memome/internal/metrics"
	"memome/internal/util"
	"memome/pkg/pipeline"
	"memome/pkg/staging"
	"memome/pkg/storage"
	"memome/services/messaging/internal/app"
)

const multipartMemory = 8 << 20

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	CORSOrigins   []string
	// MaxBodyBytes caps a whole request, files included.
	MaxBodyBytes int64
}

// Server exposes HTTP endpoints for the messaging service.
type Server struct {
	app           *app.App
	tokenVerifier TokenVerifier
	router        chi.Router
	validate      *validator.Validate
	maxBodyBytes  int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 64 << 20
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		router:        chi.NewRouter(),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		maxBodyBytes:  maxBodyBytes,
	}
	s.routes(cfg.CORSOrigins)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes(origins []string) {
	r := s.router
	r.Use(util.WithRequestID, util.RequestLog("messaging"), metrics.Middleware, util.WithSecurityHeaders, util.WithCORS(origins))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// anonymous senders
	r.Post("/users/{username}/messages", s.handleSendMessage)
	r.Post("/otp/send", s.handleSendOTP)
	r.Post("/otp/verify", s.handleVerifyOTP)

	// inbox owner
	r.Get("/messages", s.withUser(s.handleListMessages))
	r.Delete("/messages/{id}", s.withUser(s.handleDeleteMessage))
	r.Post("/polls", s.withUser(s.handleCreatePoll))
	r.Get("/polls", s.withUser(s.handleListPolls))
	r.Delete("/polls/{id}", s.withUser(s.handleDeletePoll))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		next(w, r, userID)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	form, ok := s.parseMultipart(w, r)
	if !ok {
		return
	}
	defer form.cleanup()
	msg, err := s.app.SendMessage(r.Context(), app.SendMessageInput{
		Username: chi.URLParam(r, "username"),
		Text:     form.Value("text"),
		Files:    form.Files(),
	})
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	msgs, err := s.app.ListMessages(r.Context(), userID, queryLimit(r))
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"count": len(msgs),
	})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	report, err := s.app.DeleteMessage(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeDeleted(w, report)
}

type createPollRequest struct {
	Title   string   `json:"title" validate:"max=280"`
	Options []string `json:"options" validate:"max=20,dive,max=200"`
}

// handleCreatePoll accepts multipart with repeated "options" fields and
// "files", or a JSON body when the poll has no attachments.
func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request, userID string) {
	var in app.CreatePollInput
	if isJSON(r) {
		var req createPollRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "REQUEST_INVALID_JSON", "invalid JSON body")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "REQUEST_INVALID", "title or options too long")
			return
		}
		in = app.CreatePollInput{Title: req.Title, Options: req.Options}
	} else {
		form, ok := s.parseMultipart(w, r)
		if !ok {
			return
		}
		defer form.cleanup()
		req := createPollRequest{Title: form.Value("title"), Options: form.Values("options")}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "REQUEST_INVALID", "title or options too long")
			return
		}
		in = app.CreatePollInput{Title: req.Title, Options: req.Options, Files: form.Files()}
	}

	res, err := s.app.CreatePoll(r.Context(), userID, in)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListPolls(w http.ResponseWriter, r *http.Request, userID string) {
	polls, err := s.app.ListPolls(r.Context(), userID, queryLimit(r))
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": polls,
		"count": len(polls),
	})
}

func (s *Server) handleDeletePoll(w http.ResponseWriter, r *http.Request, userID string) {
	report, err := s.app.DeletePoll(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeDeleted(w, report)
}

type sendOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type verifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,numeric,len=6"`
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if !s.decodeValidate(w, r, &req) {
		return
	}
	if err := s.app.IssueOTP(r.Context(), req.Email); err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !s.decodeValidate(w, r, &req) {
		return
	}
	if err := s.app.VerifyOTP(r.Context(), req.Email, req.Code); err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (s *Server) decodeValidate(w http.ResponseWriter, r *http.Request, body any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(body); err != nil {
		writeError(w, http.StatusBadRequest, "REQUEST_INVALID_JSON", "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "REQUEST_INVALID", "required fields missing or invalid")
		return false
	}
	return true
}

type multipartForm struct {
	form *multipart.Form
}

func (f multipartForm) Value(name string) string {
	if vs := f.form.Value[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (f multipartForm) Values(name string) []string {
	return f.form.Value[name]
}

func (f multipartForm) Files() []staging.RawFile {
	headers := f.form.File["files"]
	files := make([]staging.RawFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, staging.FromFileHeader(fh))
	}
	return files
}

// cleanup removes temporary files spilled to disk by ParseMultipartForm.
func (f multipartForm) cleanup() {
	if f.form != nil {
		_ = f.form.RemoveAll()
	}
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) (multipartForm, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "request body too large")
			return multipartForm{}, false
		}
		writeError(w, http.StatusBadRequest, "REQUEST_INVALID_FORM", "invalid form data")
		return multipartForm{}, false
	}
	return multipartForm{form: r.MultipartForm}, true
}

func isJSON(r *http.Request) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "application/json")
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func writeDeleted(w http.ResponseWriter, report pipeline.DeleteReport) {
	body := map[string]any{"status": "deleted", "files": report.Attachments}
	if report.BlobErr != nil {
		body["warning"] = "some files could not be removed and will be cleaned up later"
	}
	writeJSON(w, http.StatusOK, body)
}

// writeAppError maps pipeline and app errors to responses. Messages are
// fixed strings so storage keys and driver errors never reach clients.
func writeAppError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		validationErr *pipeline.ValidationError
		permissionErr *pipeline.PermissionError
		stagingErr    *staging.StagingError
		commitErr     *pipeline.CommitError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "REQUEST_INVALID", validationErr.Error())
	case errors.As(err, &permissionErr):
		if permissionErr.Unauthenticated {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", permissionErr.Reason)
			return
		}
		writeError(w, http.StatusForbidden, "ACCOUNT_DISABLED", permissionErr.Reason)
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", app.ErrUserNotFound.Error())
	case errors.Is(err, app.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", app.ErrAccountNotFound.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "RECORD_NOT_FOUND", "not found")
	case errors.Is(err, app.ErrOTPCooldown):
		writeError(w, http.StatusTooManyRequests, "OTP_COOLDOWN", app.ErrOTPCooldown.Error())
	case errors.Is(err, staging.ErrTooManyFiles):
		writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_MANY_FILES", "too many files")
	case errors.Is(err, staging.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_FILE_TOO_LARGE", "file too large")
	case errors.Is(err, staging.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "UPLOAD_UNSUPPORTED_TYPE", "unsupported file type")
	case errors.Is(err, staging.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, "REQUEST_INVALID", "invalid owner")
	case errors.Is(err, storage.ErrQuotaExceeded):
		logFailure(ctx, err)
		writeError(w, http.StatusInsufficientStorage, "STORAGE_QUOTA_EXCEEDED", "storage is full")
	case errors.Is(err, storage.ErrStoreUnavailable):
		logFailure(ctx, err)
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage unavailable, try again")
	case errors.As(err, &stagingErr):
		logFailure(ctx, err)
		writeError(w, http.StatusBadGateway, "UPLOAD_FAILED", "file upload failed")
	case errors.As(err, &commitErr):
		logFailure(ctx, err)
		writeError(w, http.StatusInternalServerError, "RECORD_SAVE_FAILED", "failed to save record")
	default:
		logFailure(ctx, err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
	}
}

func logFailure(ctx context.Context, err error) {
	util.LoggerFromContext(ctx).Error("request failed", "err", err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
