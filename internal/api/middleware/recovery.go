package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"liqbot/pkg/utils"

	"github.com/gorilla/mux"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic, пишет сообщение и stack trace в лог и отвечает
// клиенту 500 в стандартном JSON формате ошибки. Движок работает в
// собственных горутинах, поэтому паника в handler его не затрагивает.
func Recovery(log *utils.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("api")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic in http handler",
						utils.String("method", r.Method),
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprint(rec)),
						utils.String("stack", string(debug.Stack())))

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
						"code":  "internal_error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
