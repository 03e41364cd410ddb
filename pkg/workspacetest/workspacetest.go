// Package workspacetest provides an in-process fake of the remote workspace service for tests.
package workspacetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Upload records one received bundle.
type Upload struct {
	Path        string
	AssetID     string
	Bearer      string
	FileName    string
	ContentType string
	Body        []byte
}

// Server is a TLS test server speaking the token, upload and store endpoints. Unknown paths
// are echoed back as JSON so relays can be checked end to end.
type Server struct {
	*httptest.Server

	APIToken      string
	WorkspaceName string
	// UploadResponse is written for uploads; defaults to {"status":"OK"}.
	UploadResponse any
	UploadStatus   int

	mu            sync.Mutex
	tokenRequests int
	uploads       []Upload
}

// Echo is the body returned for unknown paths.
type Echo struct {
	Method string              `json:"method"`
	Path   string              `json:"path"`
	Query  string              `json:"query"`
	Host   string              `json:"host"`
	Header map[string][]string `json:"header"`
	Body   string              `json:"body"`
}

// NewServer starts a fake workspace accepting apiToken. It is closed with t.Cleanup.
func NewServer(t testing.TB, apiToken, workspace string) *Server {
	t.Helper()
	s := &Server{APIToken: apiToken, WorkspaceName: workspace, UploadStatus: http.StatusOK}

	r := chi.NewRouter()
	r.Post("/services/mtm/v1/oauth2/token", s.handleToken)
	r.Post("/services/pathfinder/v1/reports/upload", s.handleUpload)
	r.Post("/services/torg/v1/assetversions/{assetID}/payload", s.handleUpload)
	r.NotFound(s.handleEcho)
	r.MethodNotAllowed(s.handleEcho)

	s.Server = httptest.NewTLSServer(r)
	t.Cleanup(s.Close)
	return s
}

// Host returns host:port without scheme, the shape stored in credentials.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "https://")
}

// Token mints a JWT carrying this server's instance URL.
func (s *Server) Token(t testing.TB) string {
	t.Helper()
	return MintToken(t, s.URL, s.WorkspaceName)
}

// TokenRequests returns the number of token exchanges served.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// Uploads returns a copy of the received uploads.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// MintToken signs a token for instanceURL/workspace with a throwaway HMAC key.
func MintToken(t testing.TB, instanceURL, workspace string) string {
	t.Helper()
	signed, err := mint(instanceURL, workspace)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func mint(instanceURL, workspace string) (string, error) {
	claims := jwt.MapClaims{
		"sub":         "technical-user",
		"iss":         instanceURL,
		"jti":         "token-1",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"instanceUrl": instanceURL,
		"principal": map[string]any{
			"id":       "principal-1",
			"username": "apitoken",
			"role":     "ACCOUNTUSER",
			"status":   "ACTIVE",
			"account":  map[string]any{"id": "account-1", "name": "Demo"},
			"permission": map[string]any{
				"id":            "permission-1",
				"workspaceId":   "workspace-1",
				"workspaceName": workspace,
				"role":          "ADMIN",
				"status":        "ACTIVE",
			},
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenRequests++
	s.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || user != "apitoken" || pass != s.APIToken {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		http.Error(w, "bad grant", http.StatusBadRequest)
		return
	}

	token, err := mint(s.URL, s.WorkspaceName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"scope":        "",
		"expires_in":   3599,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" {
		http.Error(w, "missing bearer", http.StatusUnauthorized)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	body, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{
		Path:        r.URL.Path,
		AssetID:     chi.URLParam(r, "assetID"),
		Bearer:      bearer,
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        body,
	})
	response := s.UploadResponse
	status := s.UploadStatus
	s.mu.Unlock()

	if response == nil {
		response = map[string]any{"status": "OK", "type": "ReportUpload"}
	}
	writeJSON(w, status, response)
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	writeJSON(w, http.StatusOK, Echo{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Host:   r.Host,
		Header: r.Header,
		Body:   string(body),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Proxy is a forward proxy that records CONNECT targets and refuses every tunnel.
type Proxy struct {
	*httptest.Server

	mu       sync.Mutex
	connects []string
}

// NewProxy starts a recording proxy. It is closed with t.Cleanup.
func NewProxy(t testing.TB) *Proxy {
	t.Helper()
	p := &Proxy{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			p.mu.Lock()
			p.connects = append(p.connects, r.Host)
			p.mu.Unlock()
		}
		http.Error(w, "tunnel refused", http.StatusForbidden)
	}))
	t.Cleanup(p.Close)
	return p
}

// Connects returns the host:port targets requested through CONNECT.
func (p *Proxy) Connects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.connects...)
}
