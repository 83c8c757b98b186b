package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	initdata "github.com/telegram-mini-apps/init-data-golang"
)

type contextKey string

// AdminContextKey is the key for the authenticated Telegram user id in the context.
const AdminContextKey = contextKey("admin")

// AdminAuth restricts destructive routes to Telegram users listed as admins.
type AdminAuth struct {
	botToken string
	admins   map[int64]bool
	logger   *slog.Logger
}

// NewAdminAuth creates the admin guard. With an empty bot token every request
// is let through.
func NewAdminAuth(botToken string, adminIDs []int64, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &AdminAuth{botToken: botToken, admins: admins, logger: logger.With("component", "auth")}
}

// AdminFromContext returns the Telegram id of the admin making the request.
func AdminFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(AdminContextKey).(int64)
	return id, ok
}

// Middleware validates the Telegram Mini App initData and checks the user is an admin.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.botToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "tma" {
			http.Error(w, "Authorization header format must be 'tma <initData>'", http.StatusUnauthorized)
			return
		}
		initData := parts[1]

		if err := initdata.Validate(initData, a.botToken, 0); err != nil {
			a.logger.Warn("Invalid init data", "err", err)
			http.Error(w, "Invalid init data", http.StatusUnauthorized)
			return
		}

		data, err := initdata.Parse(initData)
		if err != nil {
			a.logger.Warn("Error parsing init data", "err", err)
			http.Error(w, "Error parsing init data", http.StatusBadRequest)
			return
		}

		if !a.admins[data.User.ID] {
			a.logger.Warn("Rejected non-admin user", "telegram_id", data.User.ID)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), AdminContextKey, data.User.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
