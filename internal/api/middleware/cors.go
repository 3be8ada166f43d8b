package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// defaultAllowedOrigins - origins локального UI, если список не задан
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:5173", // Vite dev server
	"http://127.0.0.1:5173",
}

// CORS - middleware для настройки Cross-Origin Resource Sharing
//
// Разрешенные origins задаются конфигурацией (SERVER_ALLOWED_ORIGINS).
// Пустой список - origins локального UI. "*" разрешает любой origin,
// но тогда credentials не передаются.
//
// Заголовки:
// - Access-Control-Allow-Origin: конкретный origin (или * для запросов без Origin)
// - Access-Control-Allow-Methods: GET, POST, PATCH, DELETE, OPTIONS
// - Access-Control-Allow-Headers: Content-Type, Authorization
// - Access-Control-Max-Age: 86400
//
// Preflight (OPTIONS) отвечается сразу кодом 204.
func CORS(origins []string) mux.MiddlewareFunc {
	if len(origins) == 0 {
		origins = defaultAllowedOrigins
	}

	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case origin == "":
				// не браузер (curl, CLI)
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			// для неразрешенных origins заголовков нет, браузер заблокирует

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
