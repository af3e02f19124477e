package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adrsu/gmail-clone/internal/parser"
	"github.com/adrsu/gmail-clone/internal/store"
)

// AuthServer validates credentials against an external authentication
// service over HTTP. The service answers a JSON login request with an
// access token, which is verified locally before the session is trusted.
type AuthServer struct {
	url    string
	domain string
	secret []byte
	users  UserProvisioner
	client *http.Client
}

// NewAuthServer creates a strict-mode directory backed by the credential
// service at url. secret verifies the HS256 tokens the service issues;
// an empty secret skips local token verification.
func NewAuthServer(url, domain, secret string, users UserProvisioner) *AuthServer {
	return &AuthServer{
		url:    url,
		domain: domain,
		secret: []byte(secret),
		users:  users,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Authenticate posts the credentials to the auth service and verifies the
// returned token
func (a *AuthServer) Authenticate(username, password string) (*store.User, error) {
	email := username
	if !strings.Contains(email, "@") {
		email = username + "@" + a.domain
	}

	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}

	resp, err := a.client.Post(a.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidCredentials
	}

	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, fmt.Errorf("invalid auth service response: %w", err)
	}

	if len(a.secret) > 0 {
		if err := a.verifyToken(login.AccessToken, email); err != nil {
			log.Printf("Token verification failed for %s: %v", email, err)
			return nil, ErrInvalidCredentials
		}
	}

	local, err := parser.LocalPart(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	domain, _ := parser.Domain(email)

	return a.users.EnsureUser(local, domain)
}

// verifyToken checks the signature, expiry and subject of the issued token
func (a *AuthServer) verifyToken(tokenString, email string) error {
	if tokenString == "" {
		return fmt.Errorf("empty token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return err
	}
	if !strings.EqualFold(subject, email) {
		return fmt.Errorf("token subject %q does not match %q", subject, email)
	}

	return nil
}

// ResolveRecipient resolves an address to an existing local account.
// Unknown users are rejected, never auto-created, in strict mode.
func (a *AuthServer) ResolveRecipient(address string) (*store.User, error) {
	local, err := parser.LocalPart(address)
	if err != nil {
		return nil, ErrNotLocal
	}
	domain, err := parser.Domain(address)
	if err != nil {
		return nil, ErrNotLocal
	}

	if !strings.EqualFold(domain, a.domain) {
		return nil, ErrNotLocal
	}

	user, err := a.users.FindUser(local, a.domain)
	if err == store.ErrNotFound {
		return nil, ErrNotLocal
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
