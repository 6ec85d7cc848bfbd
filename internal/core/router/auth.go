package router

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mohammed-shakir/geosync/internal/auth"
	"github.com/mohammed-shakir/geosync/internal/core/middleware"
	"github.com/mohammed-shakir/geosync/internal/core/model"
)

const refreshCookie = "refresh_token"

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected {email, password}")
		return
	}
	res, err := a.Auth.Login(r.Context(), creds.Email, creds.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "user or password are incorrect")
		return
	case err != nil:
		a.Log.ErrorContext(r.Context(), "login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "authentication failed, try again later")
		return
	}
	a.setSessionCookies(w, res.Tokens)
	projects := res.Projects
	if projects == nil {
		projects = []model.Project{}
	}
	writeJSON(w, http.StatusOK, model.LoginResponse{
		Message:      "Login successful",
		UserID:       res.User.ID,
		Projects:     projects,
		AccessToken:  res.Tokens.Access,
		RefreshToken: res.Tokens.Refresh,
		ExpiresIn:    res.Tokens.Seconds(),
	})
}

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	tok := refreshToken(w, r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "no refresh token")
		return
	}
	tokens, err := a.Auth.Refresh(r.Context(), tok)
	switch {
	case errors.Is(err, auth.ErrInvalidRefresh):
		a.clearSessionCookies(w)
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "token refresh failed")
		return
	case err != nil:
		a.Log.ErrorContext(r.Context(), "refresh failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "token refresh failed")
		return
	}
	a.setSessionCookies(w, tokens)
	writeJSON(w, http.StatusOK, model.RefreshResponse{
		Message:      "Token refreshed",
		AccessToken:  tokens.Access,
		RefreshToken: tokens.Refresh,
		ExpiresIn:    tokens.Seconds(),
	})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.Auth.Logout(r.Context(), refreshToken(w, r)); err != nil {
		a.Log.WarnContext(r.Context(), "revoke refresh token", "err", err)
	}
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// refreshToken reads the token from the JSON body, falling back to the cookie.
// An empty body is allowed.
func refreshToken(w http.ResponseWriter, r *http.Request) string {
	var req model.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		req.RefreshToken = ""
	}
	if req.RefreshToken != "" {
		return req.RefreshToken
	}
	if c, err := r.Cookie(refreshCookie); err == nil {
		return c.Value
	}
	return ""
}

func (a *api) setSessionCookies(w http.ResponseWriter, t auth.Tokens) {
	http.SetCookie(w, a.cookie(middleware.AccessCookie, t.Access, t.Seconds()))
	http.SetCookie(w, a.cookie(refreshCookie, t.Refresh, int(a.Config.Auth.RefreshTTL/time.Second)))
}

func (a *api) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, a.cookie(middleware.AccessCookie, "", -1))
	http.SetCookie(w, a.cookie(refreshCookie, "", -1))
}

func (a *api) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.Config.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
