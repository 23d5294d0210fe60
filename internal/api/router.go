package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/podushkina/taskrunner/internal/logging"
)

// NewRouter wires the task endpoints. metricsHandler may be nil.
func NewRouter(h *Handler, log *zap.Logger, metricsHandler http.Handler) *chi.Mux {
	if log == nil {
		log = logging.L()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(log.Named("http")))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Get("/{id}", h.GetTask)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.QueueStats)
		r.Get("/dead-letters", h.ListDeadLetters)
	})

	return r
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			logging.FromContext(ctx, log).Info("http_access",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", ww.Status()),
				zap.Duration("dur", time.Since(start)),
			)
		})
	}
}
