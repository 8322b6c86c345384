package main

import (
	"net/http"

	"github.com/naniwallet/authgate/internal/auth"
	"github.com/naniwallet/authgate/internal/models"
)

type adminReq struct {
	Username    string             `json:"username"`
	Email       string             `json:"email"`
	Password    string             `json:"password"`
	FullName    string             `json:"full_name"`
	Role        string             `json:"role"`
	Permissions models.Permissions `json:"permissions"`
}

func (a adminReq) validate(w http.ResponseWriter) bool {
	if a.Username == "" || a.Email == "" {
		sendErrorResponse(w, "`username` and `email` are required.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return false
	}
	if len(a.Password) < minPasswordLen {
		sendErrorResponse(w, "Password must be at least 8 characters.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return false
	}
	return true
}

// handleAdminSetup creates the first super_admin. Open only while no
// admin account exists.
func handleAdminSetup(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req adminReq
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	tok, p, err := app.auth.BootstrapAdmin(r.Context(), auth.AdminReq{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		sendAuthError(w, err)
		return
	}
	sendResponse(w, sessionResp{Token: tok, Principal: p})
}

// handleAdminLogin authenticates an admin by username or e-mail.
func handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		sendErrorResponse(w, "`username` and `password` are required.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return
	}

	tok, p, err := app.auth.Login(r.Context(), models.KindAdmin, req.Username, req.Password)
	if err != nil {
		sendAuthError(w, err)
		return
	}
	sendResponse(w, sessionResp{Token: tok, Principal: p})
}

func handleAdminProfile(w http.ResponseWriter, r *http.Request) {
	p := r.Context().Value("principal").(models.Principal)
	sendResponse(w, p)
}

// handleCreateAdmin creates an admin account on behalf of the
// authenticated admin.
func handleCreateAdmin(w http.ResponseWriter, r *http.Request) {
	var (
		app     = r.Context().Value("app").(*App)
		creator = r.Context().Value("principal").(models.Principal)

		req adminReq
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	p, err := app.auth.CreateAdmin(r.Context(), creator.ID, auth.AdminReq{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		FullName:    req.FullName,
		Role:        req.Role,
		Permissions: req.Permissions,
	})
	if err != nil {
		sendAuthError(w, err)
		return
	}
	sendResponse(w, p)
}

// requirePermission gates a handler on the authenticated principal
// holding a permission. super_admin passes every check.
func requirePermission(resource, action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := r.Context().Value("principal").(models.Principal)
		if !p.HasPermission(resource, action) {
			sendErrorResponse(w, "Permission denied.",
				http.StatusForbidden, errData{Kind: kindInvalidCredentials})
			return
		}
		next.ServeHTTP(w, r)
	}
}
