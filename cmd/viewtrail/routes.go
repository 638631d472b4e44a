package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/viewtrail/history"
	"github.com/hazyhaar/viewtrail/kit"
	"github.com/hazyhaar/viewtrail/shield"
)

// newRouter wires the JSON API. mcpHandler is mounted at /mcp when non-nil.
func newRouter(svc *history.Service, maxBody int64, mcpHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(maxBody) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	if mcpHandler != nil {
		r.Handle("/mcp", mcpHandler)
		r.Handle("/mcp/*", mcpHandler)
	}

	r.Route("/api/scan", func(r chi.Router) {
		r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UID    string `json:"uid"`
				Cookie string `json:"cookie"`
			}
			if !decode(w, r, &req) {
				return
			}
			ctx := kit.WithUserID(r.Context(), req.UID)
			res, err := svc.StartScan(ctx, req.UID, req.Cookie)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]any{"success": true, "started": res.Started, "run_id": res.RunID, "msg": res.Msg})
		})

		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UID string `json:"uid"`
			}
			if !decode(w, r, &req) {
				return
			}
			stopped, err := svc.StopScan(req.UID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]bool{"success": true, "stopped": stopped})
		})

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, svc.ScanStatus(r.URL.Query().Get("uid")))
		})

		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			runs, err := svc.ScanRuns(r.Context(), r.URL.Query().Get("uid"), queryInt(r, "limit", 20))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, runs)
		})
	})

	r.Route("/api/data", func(r chi.Router) {
		r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UID string `json:"uid"`
			}
			if !decode(w, r, &req) {
				return
			}
			rec, err := svc.LoadRecord(req.UID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, rec)
		})

		r.Get("/download", func(w http.ResponseWriter, r *http.Request) {
			uid := r.URL.Query().Get("uid")
			path, err := svc.RecordPath(uid)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Disposition", `attachment; filename="history_`+uid+`.json"`)
			http.ServeFile(w, r, path)
		})

		r.Post("/upload", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UID  string          `json:"uid"`
				Data *history.Record `json:"data"`
			}
			if !decode(w, r, &req) {
				return
			}
			if err := svc.UploadRecord(kit.WithUserID(r.Context(), req.UID), req.UID, req.Data); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]bool{"success": true})
		})

		r.Post("/clear", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UID string `json:"uid"`
			}
			if !decode(w, r, &req) {
				return
			}
			if err := svc.ClearRecord(r.Context(), req.UID); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]bool{"success": true})
		})
	})

	r.Post("/api/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UID       string         `json:"uid"`
			VideoData []history.Item `json:"videoData"`
			Stats     *history.Stats `json:"stats"`
		}
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.Analyze(kit.WithUserID(r.Context(), req.UID), req.UID, req.VideoData, req.Stats)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/settings/get", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Password string `json:"password"`
			}
			if !decode(w, r, &req) {
				return
			}
			s, err := svc.GetSettings(req.Password)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, s)
		})

		r.Post("/settings/save", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Password string `json:"password"`
				history.Settings
			}
			if !decode(w, r, &req) {
				return
			}
			if err := svc.SaveSettings(r.Context(), req.Password, req.Settings); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]bool{"success": true})
		})

		r.Post("/audit", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Password string `json:"password"`
				Limit    int    `json:"limit"`
			}
			if !decode(w, r, &req) {
				return
			}
			entries, err := svc.AuditLog(r.Context(), req.Password, req.Limit)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, entries)
		})
	})

	return r
}

// decode reads a JSON body into v, writing a 400 (or 413) on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return false
		}
		writeError(w, 400, err)
		return false
	}
	return true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case history.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrForbidden), errors.Is(err, history.ErrAdminDisabled):
		return http.StatusForbidden
	case errors.Is(err, history.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrScanDraining):
		return http.StatusConflict
	case errors.Is(err, history.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		shield.GetLogger(r.Context()).Error("request failed", "error", err)
	}
	writeError(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
