// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// RoleOperator may trigger halts, switches and compiles.
const RoleOperator = "operator"

// ErrUnauthorized is returned when a token is missing or wrong.
var ErrUnauthorized = errors.New("unauthorized")

// principalKey is the gin context key for the authenticated Principal.
const principalKey = "containment_principal"

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

// HasRole reports whether p holds role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// Authenticator validates bearer tokens.
//
// Implementations must be safe for concurrent use.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// OpenAuthenticator accepts every request as a local operator. It is the
// default for daemons bound to loopback.
type OpenAuthenticator struct{}

// Authenticate implements Authenticator.
func (OpenAuthenticator) Authenticate(context.Context, string) (*Principal, error) {
	return &Principal{ID: "local-operator", Roles: []string{RoleOperator}}, nil
}

// TokenAuthenticator accepts a single shared operator token.
type TokenAuthenticator struct {
	token []byte
}

// NewTokenAuthenticator creates a TokenAuthenticator. token must not be empty.
func NewTokenAuthenticator(token string) (*TokenAuthenticator, error) {
	if token == "" {
		return nil, errors.New("auth token must not be empty")
	}
	return &TokenAuthenticator{token: []byte(token)}, nil
}

// Authenticate implements Authenticator. The comparison is constant time.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return nil, ErrUnauthorized
	}
	return &Principal{ID: "token-operator", Roles: []string{RoleOperator}}, nil
}

// AuthMiddleware authenticates the bearer token and stores the Principal.
func AuthMiddleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request.Context(), bearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireRole rejects authenticated callers without role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !PrincipalFrom(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "role " + role + " required", Code: "FORBIDDEN"})
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the caller stored by AuthMiddleware, or nil.
func PrincipalFrom(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}

// AuditMiddleware writes one audit record per non-GET request after the
// handler has run.
func AuditMiddleware(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With(slog.String("subsystem", "audit"))
	return func(c *gin.Context) {
		c.Next()
		if c.Request.Method == http.MethodGet {
			return
		}
		principal := "anonymous"
		if p := PrincipalFrom(c); p != nil {
			principal = p.ID
		}
		logger.Info("control action",
			slog.String("principal", principal),
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
		)
	}
}

func bearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
