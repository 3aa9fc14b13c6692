package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/saintsal/gateway/internal/auth"
	"github.com/saintsal/gateway/internal/monitor"
	"github.com/saintsal/gateway/internal/store"
)

type AuthHandler struct {
	Store   *store.Store
	Monitor *monitor.Monitor
	Secret  []byte
	TTL     time.Duration
	Env     string // "prod" sets the Secure cookie flag
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/signup", a.signup)
	g.POST("/login", a.login)
	g.POST("/logout", a.logout, auth.EchoMiddleware(a.Secret))
	g.POST("/refresh", a.refresh, auth.EchoMiddleware(a.Secret))
	g.GET("/me", a.me, auth.EchoMiddleware(a.Secret))
}

func (a *AuthHandler) signup(c echo.Context) error {
	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	id, err := a.Store.CreateUser(c.Request().Context(), req.Email, string(hash), req.Name, "user")
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return echo.NewHTTPError(http.StatusConflict, "email already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (a *AuthHandler) login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, hash, name, role, err := a.Store.GetUserByEmail(c.Request().Context(), req.Email)
	if err != nil {
		if a.Monitor != nil {
			a.Monitor.TriggerAlert(monitor.AlertEvent{
				Kind:     monitor.KindUnauthorized,
				Severity: monitor.SeverityWarning,
				Message:  "login attempt for unknown email",
				IP:       c.RealIP(),
			})
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		if a.Monitor != nil {
			a.Monitor.TriggerAlert(monitor.AlertEvent{
				Kind:     monitor.KindSecurityAlert,
				Severity: monitor.SeverityWarning,
				UserID:   id,
				Message:  "failed password attempt",
				IP:       c.RealIP(),
			})
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	signed, err := auth.Sign(id, req.Email, role, name, a.Secret, a.TTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	a.setCookie(c, signed, int(a.TTL.Seconds()))
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	if a.Monitor != nil {
		a.Monitor.LogLogin(id, signed, c.RealIP())
	}
	return c.JSON(http.StatusOK, AuthResponse{
		Success: true,
		Token:   signed,
		User:    UserInfo{ID: id, Email: req.Email, Name: name, Role: role},
	})
}

func (a *AuthHandler) logout(c echo.Context) error {
	a.setCookie(c, "", -1)
	if id, ok := c.Get("identity").(auth.Identity); ok && a.Monitor != nil {
		a.Monitor.LogLogout(id.UserID, c.RealIP())
	}
	return c.NoContent(http.StatusOK)
}

// refresh reissues a token for a still-valid session and swaps the
// monitored token for the fresh one.
func (a *AuthHandler) refresh(c echo.Context) error {
	id, ok := c.Get("identity").(auth.Identity)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	signed, err := auth.Sign(id.UserID, id.Email, id.Role, id.Name, a.Secret, a.TTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	a.setCookie(c, signed, int(a.TTL.Seconds()))
	if a.Monitor != nil {
		a.Monitor.RefreshSession(id.UserID, signed, c.RealIP())
	}
	return c.JSON(http.StatusOK, AuthResponse{
		Success: true,
		Token:   signed,
		User:    UserInfo{ID: id.UserID, Email: id.Email, Name: id.Name, Role: id.Role},
	})
}

func (a *AuthHandler) me(c echo.Context) error {
	id, ok := c.Get("identity").(auth.Identity)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	email, name, role, err := a.Store.GetUserByID(c.Request().Context(), id.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.JSON(http.StatusOK, UserInfo{ID: id.UserID, Email: email, Name: name, Role: role})
}

func (a *AuthHandler) setCookie(c echo.Context, value string, maxAge int) {
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = value
	cookie.Path = "/"
	cookie.MaxAge = maxAge
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	if a.Env == "prod" {
		cookie.Secure = true
	}
	c.SetCookie(cookie)
}
