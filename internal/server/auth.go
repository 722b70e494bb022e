package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"smartop/internal/logger"
	"smartop/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *zap.Logger
	// Now stamps API key usage; defaults to time.Now.
	Now func() time.Time
}

// Principal is the authenticated caller. CompanyID always comes from the
// stored user, never from the request.
type Principal struct {
	UserID    string
	CompanyID string
	Roles     []string
	Source    string
	KeyID     string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.UserID != "" && p.CompanyID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	CompanyID string   `json:"company_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// IssueToken signs an HS256 token for userID. A zero ttl yields a token
// without expiry.
func IssueToken(secret, userID, companyID string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID, IssuedAt: jwt.NewNumericDate(now)},
		CompanyID:        companyID,
		Roles:            roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var errNoCredentials = errors.New("no credentials")

// authenticator turns request credentials into a Principal bound to a
// stored user.
type authenticator struct {
	cfg    AuthConfig
	repo   repo.Repo
	base   string
	public map[string]bool
}

func newAuthenticator(basePath string, cfg AuthConfig, r repo.Repo) authenticator {
	return authenticator{
		cfg:  cfg,
		repo: r,
		base: basePath,
		public: map[string]bool{
			path.Join(basePath, "health"):       true,
			path.Join(basePath, "openapi.json"): true,
		},
	}
}

func (a authenticator) now() time.Time {
	if a.cfg.Now != nil {
		return a.cfg.Now()
	}
	return time.Now()
}

func (a authenticator) middleware(next http.Handler) http.Handler {
	log := logger.OrNop(a.cfg.Logger)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.URL.Path, a.base) || a.public[req.URL.Path] {
			next.ServeHTTP(w, req)
			return
		}
		p, err := a.authenticate(req)
		switch {
		case errors.Is(err, errNoCredentials):
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		case err != nil:
			log.Debug("authentication failed", zap.String("path", req.URL.Path), zap.Error(err))
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
			return
		}
		next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
	})
}

// authenticate prefers a bearer token over an API key when both are sent.
func (a authenticator) authenticate(req *http.Request) (Principal, error) {
	ctx := req.Context()
	var (
		p   Principal
		err error
	)
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return Principal{}, errors.New("malformed authorization header")
		}
		p, err = a.fromToken(strings.TrimSpace(token))
	} else if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err = a.fromAPIKey(ctx, key)
	} else {
		return Principal{}, errNoCredentials
	}
	if err != nil {
		return Principal{}, err
	}
	return a.bindUser(ctx, p)
}

func (a authenticator) fromToken(raw string) (Principal, error) {
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	claims := &tokenClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{UserID: claims.Subject, CompanyID: claims.CompanyID, Source: "jwt"}, nil
}

func (a authenticator) fromAPIKey(ctx context.Context, secret string) (Principal, error) {
	key, err := a.repo.LookupAPIKey(ctx, secret, a.now())
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: key.UserID, CompanyID: key.CompanyID, Source: "api_key", KeyID: key.ID}, nil
}

// bindUser loads the stored user. A credential naming a company other than
// the user's is rejected.
func (a authenticator) bindUser(ctx context.Context, p Principal) (Principal, error) {
	u, err := a.repo.GetUserByID(ctx, p.UserID)
	if err != nil {
		return Principal{}, err
	}
	if p.CompanyID != "" && p.CompanyID != u.CompanyID {
		return Principal{}, fmt.Errorf("credential company %q does not match user company", p.CompanyID)
	}
	p.CompanyID = u.CompanyID
	p.Roles = u.Roles
	return p, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
