package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/auth"
	"schoolportal/identity/internal/authn"
	"schoolportal/identity/internal/bulk"
	"schoolportal/identity/internal/model"
	"schoolportal/identity/internal/registration"
)

const (
	maxJSONBody = 1 << 20
	maxCSVBody  = 8 << 20
)

type Server struct {
	registrar *registration.Orchestrator
	sessions  *authn.Service
	importer  *bulk.Processor
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	timeout   time.Duration
}

type Options struct {
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// RequestTimeout bounds single-record handlers. Bulk imports are not bounded.
	RequestTimeout time.Duration
}

func NewServer(registrar *registration.Orchestrator, sessions *authn.Service, importer *bulk.Processor, opts Options) *Server {
	s := &Server{
		registrar: registrar,
		sessions:  sessions,
		importer:  importer,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger,
		timeout:   opts.RequestTimeout,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))

		r.Post("/login", s.handleLogin)
		r.Post("/login-qr", s.handleLoginQR)
		r.With(s.authMiddleware).Get("/me", s.handleGetMe)
		r.With(s.authMiddleware, s.requireController).Post("/register", s.handleRegister)
		r.With(s.authMiddleware, s.requireController).Post("/controllers", s.handleCreateController)
	})
	r.With(s.authMiddleware, s.requireController).Post("/register-bulk", s.handleRegisterBulk)

	return r
}

type registerRequest struct {
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Class      string  `json:"class"`
	Division   string  `json:"division"`
	ParentName string  `json:"parentName"`
	Place      string  `json:"place"`
	RollNumber *string `json:"rollNumber"`
	Phone      *string `json:"phone"`
}

type controllerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type registerResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	QRToken   string `json:"qrToken"`
	QRPayload string `json:"qrPayload"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type qrLoginRequest struct {
	QRToken string `json:"qrToken"`
	Role    string `json:"role"`
}

type sessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      userSummary `json:"user"`
}

type userSummary struct {
	ID         string     `json:"id"`
	Role       model.Role `json:"role"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	Class      string     `json:"class,omitempty"`
	Division   string     `json:"division,omitempty"`
	ParentName string     `json:"parentName,omitempty"`
	Place      string     `json:"place,omitempty"`
	RollNumber *string    `json:"rollNumber,omitempty"`
	Phone      *string    `json:"phone,omitempty"`
	EmailSent  bool       `json:"emailSent"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeMalformedInput))
		return
	}
	result, err := s.registrar.Register(r.Context(), model.RoleStudent, model.Profile{
		Name:       req.Name,
		Email:      req.Email,
		Class:      req.Class,
		Division:   req.Division,
		ParentName: req.ParentName,
		Place:      req.Place,
		RollNumber: req.RollNumber,
		Phone:      req.Phone,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRegisterResponse(result))
}

func (s *Server) handleCreateController(w http.ResponseWriter, r *http.Request) {
	var req controllerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeMalformedInput))
		return
	}
	result, err := s.registrar.Register(r.Context(), model.RoleController, model.Profile{
		Name:  req.Name,
		Email: req.Email,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRegisterResponse(result))
}

// handleRegisterBulk accepts a raw text/csv body or a multipart upload with
// the CSV in the "file" field.
func (s *Server) handleRegisterBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCSVBody)

	var body io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/csv", "application/csv", "text/plain", "":
	case "multipart/form-data":
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing_file")
			return
		}
		defer file.Close()
		body = file
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type")
		return
	}

	rows, err := bulk.ParseCSV(body)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	ledger := s.importer.Process(r.Context(), model.RoleStudent, rows)
	writeJSON(w, http.StatusOK, ledger)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeMalformedInput))
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}
	session, err := s.sessions.LoginPassword(r.Context(), req.Username, req.Password, role)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleLoginQR(w http.ResponseWriter, r *http.Request) {
	var req qrLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeMalformedInput))
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}
	session, err := s.sessions.LoginQR(r.Context(), req.QRToken, role)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity, err := s.sessions.Me(r.Context(), claimsFromContext(r.Context()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserSummary(identity))
}

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := s.sessions.Verify(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				writeError(w, http.StatusUnauthorized, "expired_token")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireController(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || !claims.Role.IsController() {
			writeError(w, http.StatusForbidden, "controller_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

func toRegisterResponse(result registration.Result) registerResponse {
	return registerResponse{
		ID:        result.Identity.ID,
		Username:  result.Credentials.Username,
		Password:  result.Credentials.Password,
		Email:     result.Identity.Email,
		Name:      result.Identity.Name,
		QRToken:   result.QRToken,
		QRPayload: result.QRPayload,
	}
}

func toSessionResponse(session authn.Session) sessionResponse {
	return sessionResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		User:      toUserSummary(session.Identity),
	}
}

func toUserSummary(identity model.Identity) userSummary {
	return userSummary{
		ID:         identity.ID,
		Role:       identity.Role,
		Username:   identity.Username,
		Email:      identity.Email,
		Name:       identity.Name,
		Class:      identity.Class,
		Division:   identity.Division,
		ParentName: identity.ParentName,
		Place:      identity.Place,
		RollNumber: identity.RollNumber,
		Phone:      identity.Phone,
		EmailSent:  identity.EmailSent,
		CreatedAt:  identity.CreatedAt,
		LastLogin:  identity.LastLogin,
	}
}
