// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package web

import (
	"net/http"
	"time"

	"github.com/rhodeslab/akauth/internal/sitesession"
)

// Cookie names.
const (
	CookieToken   = "ak_token"
	CookieSession = "ak_session"
)

func (h *Handler) newCookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *Handler) setToken(w http.ResponseWriter, token sitesession.Token) {
	http.SetCookie(w, h.newCookie(CookieToken, string(token), h.bridge.TTL()))
}

func (h *Handler) setPayload(w http.ResponseWriter, payload sitesession.Payload) {
	http.SetCookie(w, h.newCookie(CookieSession, string(payload), h.bridge.TTL()))
}

func (h *Handler) clearCookies(w http.ResponseWriter) {
	for _, name := range []string{CookieToken, CookieSession} {
		c := h.newCookie(name, "", 0)
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

// credentials returns the token and payload cookies of r, empty if absent.
func credentials(r *http.Request) (sitesession.Token, sitesession.Payload) {
	var (
		token   sitesession.Token
		payload sitesession.Payload
	)
	if c, err := r.Cookie(CookieToken); err == nil {
		token = sitesession.Token(c.Value)
	}
	if c, err := r.Cookie(CookieSession); err == nil {
		payload = sitesession.Payload(c.Value)
	}
	return token, payload
}
