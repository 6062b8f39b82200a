// middleware — HTTP-мидлвары публичного API.
// Порядок подключения (внешний -> внутренний): Recover, RequestID, Logging, Timeout.
package middleware

import "net/http"

// Middleware — стандартная сигнатура обёртки http.Handler.
type Middleware = func(next http.Handler) http.Handler
