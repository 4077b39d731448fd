package i18n

import "net/http"

// Middleware injects a localizer into every request context. The lang query
// parameter wins over Accept-Language; both fall back to the default language.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := NewLocalizer(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"))
			ctx := WithLocalizer(r.Context(), loc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
