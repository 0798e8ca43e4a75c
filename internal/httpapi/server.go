package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"udevd/pkg/types"
)

// NewMux builds the control API router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := serviceContext(r)
		defer cancel()
		if err := svc.Ping(ctx); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, types.PingResponse{OK: true})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := serviceContext(r)
		defer cancel()
		st, err := svc.Status(ctx)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, st)
	})

	r.Post("/reload", func(w http.ResponseWriter, r *http.Request) {
		var req types.ReloadRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		ctx, cancel := serviceContext(r)
		defer cancel()
		noContent(w, svc.Reload(ctx, req.Force))
	})

	r.Put("/log-level", func(w http.ResponseWriter, r *http.Request) {
		var req types.LogLevelRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if strings.TrimSpace(req.Level) == "" {
			writeJSONError(w, http.StatusBadRequest, "level is required")
			return
		}
		ctx, cancel := serviceContext(r)
		defer cancel()
		noContent(w, svc.SetLogLevel(ctx, req.Level))
	})

	r.Put("/children-max", func(w http.ResponseWriter, r *http.Request) {
		var req types.ChildrenMaxRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		ctx, cancel := serviceContext(r)
		defer cancel()
		noContent(w, svc.SetChildrenMax(ctx, req.ChildrenMax))
	})

	r.Route("/exec-queue", func(r chi.Router) {
		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := serviceContext(r)
			defer cancel()
			noContent(w, svc.StopExecQueue(ctx))
		})
		r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := serviceContext(r)
			defer cancel()
			noContent(w, svc.StartExecQueue(ctx))
		})
	})

	r.Post("/environment", func(w http.ResponseWriter, r *http.Request) {
		var req types.EnvironmentRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if len(req.Set) == 0 && len(req.Unset) == 0 {
			writeJSONError(w, http.StatusBadRequest, "set or unset is required")
			return
		}
		ctx, cancel := serviceContext(r)
		defer cancel()
		if len(req.Set) > 0 {
			if err := svc.SetEnvironment(ctx, req.Set); err != nil {
				writeServiceError(w, err)
				return
			}
		}
		if len(req.Unset) > 0 {
			if err := svc.UnsetEnvironment(ctx, req.Unset); err != nil {
				writeServiceError(w, err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/exit", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := serviceContext(r)
		defer cancel()
		noContent(w, svc.Exit(ctx))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeBody reads a JSON request body into v. With optional set an empty
// body is accepted.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

func noContent(w http.ResponseWriter, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
