package api

import (
	"errors"
	"net/http"
	"net/url"

	"idbridge/internal/audit"
	"idbridge/internal/auth"
	"idbridge/internal/auth/custos"
	"idbridge/internal/observability"
)

// Cookie names for the login round trip and the local session.
const (
	stateCookieName   = "custos-state"
	nonceCookieName   = "custos-nonce"
	sessionCookieName = "session"
)

// loginCookieMaxAge bounds how long a login attempt may stay in flight.
const loginCookieMaxAge = 600 // 10 minutes

// GET /auth/{provider}/login?idphint=xxx
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	a := s.adapter(w, r)
	if a == nil {
		return
	}

	attempt, err := a.Authenticate(r.URL.Query().Get("idphint"))
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, "failed to start login", err.Error())
		return
	}

	secure := isSecureRequest(r)
	setLoginCookie(w, stateCookieName, attempt.State, secure)
	setLoginCookie(w, nonceCookieName, attempt.Nonce, secure)

	s.audit(r, &audit.Event{
		Action:   audit.ActionLoginStarted,
		Provider: a.Provider(),
	})
	http.Redirect(w, r, attempt.URL, http.StatusFound)
}

// GET /auth/{provider}/callback?code=xxx&state=xxx
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	a := s.adapter(w, r)
	if a == nil {
		return
	}
	ctx := r.Context()
	secure := isSecureRequest(r)

	stateCookie := cookieValue(r, stateCookieName)
	nonceCookie := cookieValue(r, nonceCookieName)
	// Both values are single-use: discard them before the outcome is known
	// so a failed attempt cannot be replayed.
	clearCookie(w, stateCookieName, secure)
	clearCookie(w, nonceCookieName, secure)

	_, sessionUser := s.currentSession(r)

	res, err := a.Callback(ctx, custos.CallbackRequest{
		State:            r.URL.Query().Get("state"),
		Code:             r.URL.Query().Get("code"),
		StateCookie:      stateCookie,
		NonceCookie:      nonceCookie,
		RequestURL:       r.URL.String(),
		LoginRedirectURL: s.loginRedirectURL,
		SessionUser:      sessionUser,
	})
	if err != nil {
		s.audit(r, &audit.Event{
			Action:   audit.ActionLoginDenied,
			Provider: a.Provider(),
			Detail:   err.Error(),
		})
		switch {
		case errors.Is(err, custos.ErrAuthenticationFailed):
			s.recordLogin(a.Provider(), "denied")
			s.logger.WarnContext(ctx, "login denied", "provider", a.Provider(), "error", err)
			http.Redirect(w, r, "/?error="+url.QueryEscape(err.Error()), http.StatusFound)
		case errors.Is(err, custos.ErrNetwork):
			s.recordLogin(a.Provider(), "error")
			s.writeErr(w, r, http.StatusBadGateway, "identity provider unreachable", err.Error())
		default:
			s.recordLogin(a.Provider(), "error")
			s.writeErr(w, r, http.StatusInternalServerError, "login failed", err.Error())
		}
		return
	}

	session, err := auth.NewSession(res.User.ID, a.Provider(), s.sessionDuration)
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, "failed to create session", err.Error())
		return
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, "failed to persist session", err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})

	if res.Created {
		s.audit(r, &audit.Event{
			Action:   audit.ActionProvision,
			Provider: a.Provider(),
			UserID:   res.User.ID,
		})
	}
	s.audit(r, &audit.Event{
		Action:   audit.ActionLogin,
		Provider: a.Provider(),
		UserID:   res.User.ID,
	})
	s.recordLogin(a.Provider(), "success")
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// POST /auth/{provider}/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a := s.adapter(w, r)
	if a == nil {
		return
	}
	ctx := r.Context()

	_, user := s.currentSession(r)
	if user == nil {
		s.writeErr(w, r, http.StatusUnauthorized, "authentication required", "")
		return
	}

	redirect, err := a.Disconnect(ctx, user, r.FormValue("redirect"))
	if err != nil {
		if errors.Is(err, custos.ErrDataIntegrity) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"message": err.Error(),
			})
			return
		}
		s.writeErr(w, r, http.StatusInternalServerError, "disconnect failed", err.Error())
		return
	}

	s.audit(r, &audit.Event{
		Action:   audit.ActionDisconnect,
		Provider: a.Provider(),
		UserID:   user.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "provider disconnected",
		"redirect": redirect,
	})
}

// GET /auth/{provider}/logout?redirect=xxx
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	a := s.adapter(w, r)
	if a == nil {
		return
	}
	ctx := r.Context()

	session, user := s.currentSession(r)
	if session != nil {
		_ = s.sessions.Delete(ctx, session.ID)
	}
	clearCookie(w, sessionCookieName, isSecureRequest(r))

	event := &audit.Event{Action: audit.ActionLogout, Provider: a.Provider()}
	if user != nil {
		event.UserID = user.ID
	}
	s.audit(r, event)

	target := a.Logout(r.URL.Query().Get("redirect"))
	if target == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// currentSession resolves the session cookie to a live session and its user.
func (s *Server) currentSession(r *http.Request) (*auth.Session, *auth.User) {
	id := cookieValue(r, sessionCookieName)
	if id == "" {
		return nil, nil
	}
	session, err := s.sessions.Get(r.Context(), id)
	if err != nil || session == nil {
		return nil, nil
	}
	user, err := s.store.GetUserByID(r.Context(), session.UserID)
	if err != nil || user == nil {
		return session, nil
	}
	return session, user
}

// audit records an event enriched with request metadata. Recording failures
// are logged, never surfaced.
func (s *Server) audit(r *http.Request, event *audit.Event) {
	event.RequestID = observability.RequestIDFromContext(r.Context())
	event.IPAddress = clientKey(r)
	if err := s.recorder.Record(r.Context(), event); err != nil {
		s.logger.ErrorContext(r.Context(), "audit record failed", "action", event.Action, "error", err)
	}
}

func (s *Server) recordLogin(provider, result string) {
	if s.metrics != nil {
		s.metrics.RecordLogin(provider, result)
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func setLoginCookie(w http.ResponseWriter, name, value string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   loginCookieMaxAge,
	})
}

func clearCookie(w http.ResponseWriter, name string, secure bool) {
	path := "/auth/"
	if name == sessionCookieName {
		path = "/"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
