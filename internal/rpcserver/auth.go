package rpcserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// gatewayKeyHeader is the infrastructure-level per-request key header an
// API gateway may inject ahead of Nexus, per spec.md §4.6. It is read
// straight off the request inside the handler that needs it — never
// stashed in a package global — the same request-scoped-storage idiom
// api/authorization.go applies to SetUser/GetUser.
const gatewayKeyHeader = "X-Nexus-API-Key"

const apiKeyPrefix = "sk-"

// gatewayKey reads the infrastructure key header from c's own request,
// per-call, matching GetUser(c)'s context-scoped read.
func gatewayKey(c echo.Context) string {
	return c.Request().Header.Get(gatewayKeyHeader)
}

// claims is the JWT payload, adapted from auth/token.go's Claims to carry
// model.Identity's fields directly instead of the teacher's auth.User.
type claims struct {
	TenantID    string   `json:"tenant_id"`
	SubjectType string   `json:"subject_type"`
	SubjectID   string   `json:"subject_id"`
	IsAdmin     bool     `json:"is_admin"`
	Scopes      []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// jwtService issues and verifies HS256 bearer tokens, grounded on
// auth/token.go's TokenService.
type jwtService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

func newJWTService(secret string, expiration time.Duration) *jwtService {
	return &jwtService{secret: []byte(secret), expiration: expiration, issuer: "nexus/rpcserver"}
}

func (s *jwtService) issue(identity model.Identity) (string, error) {
	now := time.Now()
	c := claims{
		TenantID:    identity.TenantID,
		SubjectType: identity.SubjectType,
		SubjectID:   identity.SubjectID,
		IsAdmin:     identity.IsAdmin,
		Scopes:      identity.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   identity.SubjectID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

func (s *jwtService) verify(tokenString string) (model.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return model.Identity{}, nexuserrors.Wrap(nexuserrors.Unauthenticated, err, "invalid bearer token")
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return model.Identity{}, nexuserrors.New(nexuserrors.Unauthenticated, "invalid bearer token")
	}
	return model.Identity{
		TenantID:    c.TenantID,
		SubjectType: c.SubjectType,
		SubjectID:   c.SubjectID,
		IsAdmin:     c.IsAdmin,
		Scopes:      c.Scopes,
	}, nil
}

// generateAPIKey mints a new sk-<tenant>_<subject>_<random>_<hmac> key and
// the APIKeyRecord to persist under its prefix (everything before the
// final "_<hmac>" segment), per spec.md §6's key format.
func generateAPIKey(secret []byte, tenantID, subjectID string, isAdmin bool, scopes []string) (key string, rec metadatastore.APIKeyRecord, err error) {
	randBytes := make([]byte, 18)
	if _, err = rand.Read(randBytes); err != nil {
		return "", metadatastore.APIKeyRecord{}, nexuserrors.Wrap(nexuserrors.Internal, err, "generate api key entropy")
	}
	// hex, not base64: verifyAPIKey splits the key body on "_", so the
	// random segment must never itself contain one.
	random := hex.EncodeToString(randBytes)
	prefix := tenantID + "_" + subjectID + "_" + random
	sig := signPrefix(secret, prefix)
	key = apiKeyPrefix + prefix + "_" + sig

	rec = metadatastore.APIKeyRecord{
		Prefix:     prefix,
		SecretHash: sig,
		TenantID:   tenantID,
		SubjectID:  subjectID,
		IsAdmin:    isAdmin,
		Scopes:     scopes,
		CreatedAt:  time.Now(),
	}
	return key, rec, nil
}

func signPrefix(secret []byte, prefix string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(prefix))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyAPIKey extracts tenant/subject from key's self-describing prefix
// and HMAC-verifies it against secret before ever touching the store —
// the constant-time compare spec.md §4.6 requires. Only once the
// signature checks out does it look up the persisted record, to reject
// revoked keys and recover Scopes/IsAdmin.
func verifyAPIKey(ctx context.Context, store metadatastore.Store, secret []byte, key string) (model.Identity, error) {
	body := strings.TrimPrefix(key, apiKeyPrefix)
	parts := strings.SplitN(body, "_", 4)
	if len(parts) != 4 {
		return model.Identity{}, nexuserrors.New(nexuserrors.Unauthenticated, "malformed api key")
	}
	tenantID, subjectID, random, sig := parts[0], parts[1], parts[2], parts[3]
	prefix := tenantID + "_" + subjectID + "_" + random

	expected := signPrefix(secret, prefix)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return model.Identity{}, nexuserrors.New(nexuserrors.Unauthenticated, "api key signature mismatch")
	}

	rec, err := store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return model.Identity{}, nexuserrors.Wrap(nexuserrors.Unauthenticated, err, "api key not recognized")
	}
	if rec.RevokedAt != nil {
		return model.Identity{}, nexuserrors.New(nexuserrors.Unauthenticated, "api key revoked")
	}

	return model.Identity{
		SubjectType: "user",
		SubjectID:   rec.SubjectID,
		TenantID:    rec.TenantID,
		IsAdmin:     rec.IsAdmin,
		Scopes:      rec.Scopes,
	}, nil
}

// authenticate resolves c's bearer credential (Authorization header, API
// key or JWT) into an Identity. It never consults the gateway key header —
// that header is an infrastructure signal a caller reads explicitly via
// gatewayKey, not part of the authentication decision itself.
func (s *Server) authenticate(c echo.Context) (model.Identity, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(header, "Bearer ") {
		return model.Identity{}, nexuserrors.New(nexuserrors.Unauthenticated, "missing bearer credential")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return model.Identity{}, nexuserrors.New(nexuserrors.Unauthenticated, "missing bearer credential")
	}

	if strings.HasPrefix(token, apiKeyPrefix) {
		return verifyAPIKey(c.Request().Context(), s.store, s.jwt.secret, token)
	}
	return s.jwt.verify(token)
}

// authMiddleware authenticates every request before dispatch and stores
// the resolved Identity on the Echo context for the handler to read back,
// mirroring api/basicauth.go's c.Set("username", ...) idiom.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == wellKnownPath || c.Path() == healthPath {
			return next(c)
		}
		identity, err := s.authenticate(c)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		c.Set(identityContextKey, identity)
		return next(c)
	}
}

const identityContextKey = "nexus_identity"

func identityFromContext(c echo.Context) (model.Identity, bool) {
	identity, ok := c.Get(identityContextKey).(model.Identity)
	return identity, ok
}
