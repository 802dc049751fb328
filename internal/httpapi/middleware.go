package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/portcullis/types"
)

func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"from":       r.RemoteAddr,
				"request_id": middleware.GetReqID(r.Context()),
				"dur":        time.Since(start).String(),
			}).Debug("http request")
		})
	}
}

// readerAuth rejects requests without the shared reader token. An empty
// token lets every request through.
func readerAuth(want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if want == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(types.ReaderTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "bad_reader_token", "missing or invalid reader token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
