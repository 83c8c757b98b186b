package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testToken = "dummy-token"

// signInitData builds init data for a user the way Telegram signs it.
func signInitData(t *testing.T, userID int64, token string) string {
	t.Helper()
	values := url.Values{}
	values.Set("query_id", "AAHdF614AAAAAN0Xrhom_pA")
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("user", `{"id":`+strconv.FormatInt(userID, 10)+`,"first_name":"Test","username":"testuser"}`)

	pairs := make([]string, 0, len(values))
	for k := range values {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	sort.Strings(pairs)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(token))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}

func TestAdminAuth(t *testing.T) {
	auth := NewAdminAuth(testToken, []int64{123}, nil)
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := AdminFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, int64(123), id)
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid admin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/episodes/x", nil)
		req.Header.Set("Authorization", "tma "+signInitData(t, 123, testToken))
		rr := httptest.NewRecorder()

		auth.Middleware(okHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("valid user who is not an admin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/episodes/x", nil)
		req.Header.Set("Authorization", "tma "+signInitData(t, 456, testToken))
		rr := httptest.NewRecorder()

		auth.Middleware(okHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("signed with another token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/episodes/x", nil)
		req.Header.Set("Authorization", "tma "+signInitData(t, 123, "other-token"))
		rr := httptest.NewRecorder()

		auth.Middleware(okHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("no authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		auth.Middleware(nil).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid authorization header format", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer sometoken")
		rr := httptest.NewRecorder()
		auth.Middleware(nil).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("open without bot token", func(t *testing.T) {
		called := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
		req := httptest.NewRequest(http.MethodDelete, "/episodes/x", nil)
		rr := httptest.NewRecorder()

		NewAdminAuth("", nil, nil).Middleware(next).ServeHTTP(rr, req)

		assert.True(t, called)
	})
}
