package server

import (
	"net/http"

	"dropgate/internal/api"
)

// UploadInterceptor classifies requests ahead of the general routes: an
// upload verb on a `/{id}/{filename?}` path whose first segment is a valid
// transfer identifier is handled as a data-plane upload; everything else
// falls through untouched.
//
// Interception must happen at this level rather than inside the mux because
// the upload path is answered with a redirect before the request body is
// read. For clients announcing Expect: 100-continue, net/http only emits the
// interim continue response when a handler first reads the body, so deciding
// here and never touching the body guarantees the client is redirected
// instead of being invited to stream into a dead end. The control-plane
// `/api/...` routes can never be shadowed: their first path segment is
// shorter than the minimum identifier length.
func UploadInterceptor(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}
		if !api.IsTransferPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		handler.Upload(w, r)
	})
}
