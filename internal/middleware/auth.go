// Package middleware содержит HTTP middleware библиотечного сервиса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const operatorIDKey contextKey = "operatorID"

const (
	authCookieName = "operator_token"
	authCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware проверяет токен оператора, выданный системой идентификации
// и подписанный общим секретом. Сервис только проверяет подпись; учётные
// записи операторов живут во внешней системе.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie с токеном оператора и добавляет его
// идентификатор в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		operatorID, ok := a.parseToken(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie с токеном для указанного оператора.
// Формат совпадает с токенами системы идентификации.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, operatorID int64) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.signOperatorID(strconv.FormatInt(operatorID, 10)),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) signOperatorID(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	return idStr + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return 0, false
	}

	idStr := parts[0]
	expected := a.signOperatorID(idStr)

	if !hmac.Equal([]byte(token), []byte(expected)) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// GetOperatorIDFromContext извлекает идентификатор оператора из контекста запроса.
func GetOperatorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}
