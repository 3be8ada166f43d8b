package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// TokenAuth - middleware для защиты API управления статическим токеном
//
// Токен задается конфигурацией (SECURITY_API_TOKEN) и передается
// клиентом в заголовке Authorization: Bearer <token>. WebSocket клиенты
// браузера заголовки задать не могут, поэтому принимается и query
// параметр ?token=.
//
// Пустой токен отключает проверку (локальное развертывание).
// Сравнение выполняется за постоянное время.
// Preflight запросы пропускаются без проверки.
func TokenAuth(token string) mux.MiddlewareFunc {
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="liqbot"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "Unauthorized",
					"code":  "unauthorized",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken извлекает токен из заголовка или query параметра
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
