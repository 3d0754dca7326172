package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/helpdeskhq/oauth-provider/instrumentation"
	"github.com/helpdeskhq/oauth-provider/server"
)

// maxRequestBody bounds token endpoint request bodies. OAuth requests are
// tiny; anything larger is abuse.
const maxRequestBody = 1 << 20

// Handler exposes the engine over HTTP: the /token, /revoke, and
// /introspect endpoints.
type Handler struct {
	server *server.Server
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

// NewHandler creates an HTTP handler around an engine.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: srv,
		logger: logger,
	}
}

// SetInstrumentation wires OpenTelemetry instrumentation into the HTTP
// layer.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
}

// Server returns the underlying engine, for embedding applications that
// drive flows directly (e.g. their authorize endpoint).
func (h *Handler) Server() *server.Server {
	return h.server
}

// RegisterRoutes registers the token, revocation, and introspection
// endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("/introspect", h.ServeTokenIntrospection)
}

// tokenRequest is the merged view of a token endpoint request body, which
// may arrive form-encoded or as JSON.
type tokenRequest struct {
	GrantType     string `json:"grant_type"`
	Code          string `json:"code"`
	RedirectURI   string `json:"redirect_uri"`
	CodeVerifier  string `json:"code_verifier"`
	RefreshToken  string `json:"refresh_token"`
	Scope         string `json:"scope"`
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
}

// parseRequest reads a request body in either supported encoding and folds
// HTTP Basic credentials over the body's client_id/client_secret.
func (h *Handler) parseRequest(r *http.Request) (*tokenRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)

	req := &tokenRequest{}

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, server.ErrInvalidRequest("malformed JSON body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, server.ErrInvalidRequest("malformed form body")
		}
		req.GrantType = r.PostFormValue("grant_type")
		req.Code = r.PostFormValue("code")
		req.RedirectURI = r.PostFormValue("redirect_uri")
		req.CodeVerifier = r.PostFormValue("code_verifier")
		req.RefreshToken = r.PostFormValue("refresh_token")
		req.Scope = r.PostFormValue("scope")
		req.Token = r.PostFormValue("token")
		req.TokenTypeHint = r.PostFormValue("token_type_hint")
		req.ClientID = r.PostFormValue("client_id")
		req.ClientSecret = r.PostFormValue("client_secret")
	}

	// Basic auth wins over body credentials when both are present.
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	return req, nil
}

// ServeToken handles POST /token for the authorization_code,
// client_credentials, and refresh_token grants.
func (h *Handler) ServeToken(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
	defer h.recordRequest(r, "/token", start, w)

	if r.Method != http.MethodPost {
		h.writeError(w, server.ErrInvalidRequest("method not allowed"))
		return
	}

	req, err := h.parseRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx := r.Context()

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		app, err := h.server.VerifyClient(ctx, req.ClientID, req.ClientSecret, GrantTypeAuthorizationCode)
		if err != nil {
			h.writeError(w, err)
			return
		}

		grant, err := h.server.ExchangeAuthorizationCode(ctx, req.Code, app.ClientID, req.RedirectURI, req.CodeVerifier)
		if err != nil {
			h.writeError(w, err)
			return
		}

		set, err := h.server.IssueTokens(ctx, app, grant.UserID, grant.OrgID, grant.Scopes, true)
		if err != nil {
			h.writeError(w, err)
			return
		}

		h.server.Auditor.LogTokenIssued(grant.UserID, app.ClientID, GrantTypeAuthorizationCode, set.Scope)
		h.recordTokenIssued(r, app.ClientID, GrantTypeAuthorizationCode)
		h.writeTokenResponse(w, set)

	case GrantTypeClientCredentials:
		app, err := h.server.VerifyClient(ctx, req.ClientID, req.ClientSecret, GrantTypeClientCredentials)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if !app.Confidential {
			h.writeError(w, server.ErrUnauthorizedClient("public clients cannot use the client_credentials grant"))
			return
		}

		scopes := server.ParseScope(req.Scope)
		if scopes == nil {
			// Default to everything the app is registered for.
			scopes = app.Scopes
		}
		if err := h.server.ValidateScopes(scopes, app); err != nil {
			h.writeError(w, err)
			return
		}

		set, err := h.server.IssueTokens(ctx, app, "", "", scopes, false)
		if err != nil {
			h.writeError(w, err)
			return
		}

		h.server.Auditor.LogTokenIssued("", app.ClientID, GrantTypeClientCredentials, set.Scope)
		h.recordTokenIssued(r, app.ClientID, GrantTypeClientCredentials)
		h.writeTokenResponse(w, set)

	case GrantTypeRefreshToken:
		app, err := h.server.VerifyClient(ctx, req.ClientID, req.ClientSecret, GrantTypeRefreshToken)
		if err != nil {
			h.writeError(w, err)
			return
		}

		if req.RefreshToken == "" {
			h.writeError(w, server.ErrInvalidRequest("refresh_token is required"))
			return
		}

		set, err := h.server.RefreshTokens(ctx, app, req.RefreshToken, req.Scope)
		if err != nil {
			h.writeError(w, err)
			return
		}

		h.recordTokenIssued(r, app.ClientID, GrantTypeRefreshToken)
		h.writeTokenResponse(w, set)

	case "":
		h.writeError(w, server.ErrInvalidRequest("grant_type is required"))

	default:
		h.writeError(w, server.ErrUnsupportedGrantType("unsupported grant_type: "+req.GrantType))
	}
}

// ServeTokenRevocation handles POST /revoke per RFC 7009. The response is
// 200 with an empty body for every outcome except failed client
// authentication and infrastructure errors.
func (h *Handler) ServeTokenRevocation(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
	defer h.recordRequest(r, "/revoke", start, w)

	if r.Method != http.MethodPost {
		h.writeError(w, server.ErrInvalidRequest("method not allowed"))
		return
	}

	req, err := h.parseRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx := r.Context()

	app, err := h.server.VerifyClient(ctx, req.ClientID, req.ClientSecret, "")
	if err != nil {
		h.writeError(w, err)
		return
	}

	if req.Token == "" {
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	if err := h.server.RevokeToken(ctx, req.Token, app.ClientID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles POST /introspect per RFC 7662.
func (h *Handler) ServeTokenIntrospection(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
	defer h.recordRequest(r, "/introspect", start, w)

	if r.Method != http.MethodPost {
		h.writeError(w, server.ErrInvalidRequest("method not allowed"))
		return
	}

	req, err := h.parseRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx := r.Context()

	app, err := h.server.VerifyClient(ctx, req.ClientID, req.ClientSecret, "")
	if err != nil {
		h.writeError(w, err)
		return
	}

	if req.Token == "" {
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	result := h.server.IntrospectToken(ctx, req.Token, app.ClientID)

	resp := IntrospectionResponse{
		Active:    result.Active,
		Scope:     result.Scope,
		ClientID:  result.ClientID,
		TokenType: result.TokenType,
		Exp:       result.Exp,
		Iat:       result.Iat,
		Sub:       result.Sub,
		Org:       result.OrgID,
		JTI:       result.JTI,
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// writeTokenResponse writes a successful token response. Token responses
// carry credentials and must never be cached.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, set *server.TokenSet) {
	resp := TokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    set.TokenType,
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		Scope:        set.Scope,
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

// writeError writes an OAuth error response. Engine errors carry their own
// status; anything else is a server_error.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oerr := &server.Error{}
	if !errors.As(err, &oerr) {
		h.logger.Error("Unclassified handler error", "error", err)
		oerr = server.ErrServerError("internal error")
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if oerr.Code == ErrorCodeInvalidClient {
		// RFC 6749 §5.2: 401 responses to failed client authentication
		// include a WWW-Authenticate challenge.
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}

	h.writeJSON(w, oerr.Status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) recordRequest(r *http.Request, endpoint string, start time.Time, sw *statusWriter) {
	if h.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	h.instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, sw.status, durationMs)
}

func (h *Handler) recordTokenIssued(r *http.Request, clientID, grantType string) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordTokenIssued(r.Context(), clientID, grantType)
}
