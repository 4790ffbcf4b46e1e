// Package authn resolves the acting identity of an inbound HTTP request
// (spec.md §6 "Authenticated actor resolution"), ported from the reference
// auth.py's three-tier dispatch: a locally-minted HS256 bearer token, an
// identity-provider JWT verified against a JWKS file (HS256 or RS256), or —
// only when explicitly enabled — trusted headers set by a fronting proxy.
package authn

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/config"
)

// ActorContext identifies who is making a request and how that identity
// was established.
type ActorContext struct {
	ActorID   string
	ActorRole string
	Source    string // "bearer_local" | "bearer_idp" | "trusted_sso" | "compat_header"
}

// validRoles is the role enum every acting identity must fall into
// (original auth.py's VALID_ROLES); anything else is rejected regardless
// of which tier produced it.
var validRoles = map[string]bool{
	"requester": true,
	"reviewer":  true,
	"approver":  true,
	"admin":     true,
}

// normalizeRole trims and lowercases role, then rejects anything outside
// validRoles — ported from auth.py's _normalize_role, applied uniformly to
// bearer claims and header-asserted roles alike.
func normalizeRole(role string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(role))
	if !validRoles[normalized] {
		return "", apierr.Forbidden(fmt.Sprintf("unsupported role: %s", role))
	}
	return normalized, nil
}

// Resolver resolves ActorContexts from *http.Request using the configured
// auth mode.
type Resolver struct {
	cfg  config.Auth
	jwks *keySet
}

// NewResolver builds a Resolver, loading the IdP JWKS file eagerly when
// configured so a bad file is caught at startup rather than on first
// request.
func NewResolver(cfg config.Auth) (*Resolver, error) {
	r := &Resolver{cfg: cfg}
	if cfg.IDPJWKSPath != "" {
		ks, err := loadJWKS(cfg.IDPJWKSPath)
		if err != nil {
			return nil, fmt.Errorf("load idp jwks: %w", err)
		}
		r.jwks = ks
	}
	return r, nil
}

// Resolve determines the acting identity for r, trying each configured
// tier in order. It never reads the request body.
func (r *Resolver) Resolve(req *http.Request) (*ActorContext, error) {
	if token := bearerToken(req); token != "" {
		return r.resolveBearer(token)
	}

	if r.cfg.AllowTrustedSSO {
		actorID := req.Header.Get("X-Forwarded-User")
		actorRole := req.Header.Get("X-Forwarded-Role")
		if actorID != "" && actorRole != "" {
			role, err := normalizeRole(actorRole)
			if err != nil {
				return nil, err
			}
			return &ActorContext{ActorID: strings.TrimSpace(actorID), ActorRole: role, Source: "trusted_sso"}, nil
		}
	}

	if r.cfg.AllowCompatHeaders {
		actorID := req.Header.Get("X-Actor-Id")
		actorRole := req.Header.Get("X-Actor-Role")
		if actorID != "" && actorRole != "" {
			role, err := normalizeRole(actorRole)
			if err != nil {
				return nil, err
			}
			return &ActorContext{ActorID: strings.TrimSpace(actorID), ActorRole: role, Source: "compat_header"}, nil
		}
	}

	return nil, apierr.Unauthorized("no credentials presented")
}

func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// resolveBearer dispatches a bearer token to the local HS256 verifier or
// the IdP JWKS verifier, per cfg.Mode. In "mixed" mode looksLikeIDPToken
// decides: with cfg.IDPIssuer set, an issuer matching it goes to the IdP
// path; with no issuer configured, a token carrying a kid header does.
// Everything else is treated as locally minted.
func (r *Resolver) resolveBearer(token string) (*ActorContext, error) {
	switch r.cfg.Mode {
	case "local":
		return r.verifyLocal(token)
	case "idp":
		return r.verifyIDP(token)
	case "mixed":
		if r.looksLikeIDPToken(token) {
			return r.verifyIDP(token)
		}
		return r.verifyLocal(token)
	default:
		return nil, apierr.Internal(fmt.Sprintf("unsupported auth mode: %s", r.cfg.Mode))
	}
}

// looksLikeIDPToken peeks at the unverified issuer claim (or, absent a
// configured issuer, the header's kid) to decide routing in mixed mode — it
// makes no trust decision, verification happens after. Mirrors the
// reference auth.py's should_try_idp: requires a JWKS source to be
// configured at all, then prefers an issuer match when one is configured,
// falling back to "does this token carry a kid" otherwise.
func (r *Resolver) looksLikeIDPToken(token string) bool {
	if r.jwks == nil {
		return false
	}
	parser := jwt.NewParser()
	token2, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	if r.cfg.IDPIssuer != "" {
		claims, _ := token2.Claims.(jwt.MapClaims)
		iss, _ := claims.GetIssuer()
		return iss == r.cfg.IDPIssuer
	}
	kid, _ := token2.Header["kid"].(string)
	return kid != ""
}

func (r *Resolver) verifyLocal(token string) (*ActorContext, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, apierr.Unauthorized("invalid bearer token")
	}
	return claimsToActor(claims, r.cfg.IDPRoleClaim, "bearer_local")
}

func (r *Resolver) verifyIDP(token string) (*ActorContext, error) {
	if r.jwks == nil {
		return nil, apierr.Unauthorized("idp verification is not configured")
	}

	var opts []jwt.ParserOption
	if r.cfg.IDPIssuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.IDPIssuer))
	}
	if r.cfg.IDPAudience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.IDPAudience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := r.jwks.lookup(kid)
		if !ok {
			return nil, fmt.Errorf("unknown key id: %s", kid)
		}
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC, *jwt.SigningMethodRSA:
			return key, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, apierr.Unauthorized("invalid idp token")
	}
	return claimsToActor(claims, r.cfg.IDPRoleClaim, "bearer_idp")
}

func claimsToActor(claims jwt.MapClaims, roleClaim, source string) (*ActorContext, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, apierr.Unauthorized("token missing subject claim")
	}
	rawRole, _ := claims[roleClaim].(string)
	role, err := normalizeRole(rawRole)
	if err != nil {
		return nil, err
	}
	return &ActorContext{ActorID: sub, ActorRole: role, Source: source}, nil
}
