// Package api provides HTTP handlers for the flood-map server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/damwatch/server/internal/raster"
	"github.com/damwatch/server/internal/service"
)

// floodMapFileType is the only upload category this server accepts.
const floodMapFileType = "flood_maps"

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service        *service.FloodMapService
	JobManager     *JobManager
	MediaRoot      string
	CORSOrigins    []string
	MaxUploadBytes int64
	MetricsHandler http.Handler // defaults to the global Prometheus registry
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	metrics := cfg.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Handle("/metrics", metrics)

	// Uploaded rasters and rendered overlays, addressed by the URLs the
	// service hands out (media/<project>/<scenario>/<file>).
	if cfg.MediaRoot != "" {
		r.With(middleware.Compress(5)).
			Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaRoot))))
	}

	r.Post("/upload-file", uploadHandler(cfg.Service, cfg.MaxUploadBytes))
	r.Post("/convert-geotiff-to-png", convertHandler(cfg.Service))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json"))

		r.Route("/projects/{projectID}/flood-maps", func(r chi.Router) {
			r.Get("/", listFloodMapsHandler(cfg.Service))
			r.Get("/{id}", getFloodMapHandler(cfg.Service))
			r.Delete("/{id}", deleteFloodMapHandler(cfg.Service))
			r.Get("/{id}/stats", statsHandler(cfg.Service))
			r.Get("/{id}/bounds", boundsHandler(cfg.Service))
			r.Get("/{id}/legend.png", legendHandler(cfg.Service))
		})

		r.Route("/render/jobs", func(r chi.Router) {
			r.Post("/", renderJobSubmitHandler(cfg.JobManager, cfg.Service))
			r.Get("/{job_id}", renderJobStatusHandler(cfg.JobManager))
			r.Delete("/{job_id}", renderJobDeleteHandler(cfg.JobManager))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

// statusFor maps service and raster errors onto HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, raster.ErrDecode),
		errors.Is(err, raster.ErrEmptyData),
		errors.Is(err, raster.ErrNoGeoreference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError sends {message, error}. message describes the failed request;
// error carries the cause.
func writeError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] %s: %v", message, err)
	}
	writeJSON(w, status, map[string]string{
		"message": message,
		"error":   err.Error(),
	})
}

func uploadHandler(svc *service.FloodMapService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 {
			if r.ContentLength > maxBytes {
				writeError(w, "Invalid upload", &http.MaxBytesError{Limit: maxBytes})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if !errors.As(err, &tooLarge) {
				err = errors.Join(service.ErrInvalidInput, err)
			}
			writeError(w, "Invalid upload", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		if ft := r.FormValue("filetype"); ft != floodMapFileType {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"message": "Invalid upload",
				"error":   "filetype must be " + floodMapFileType,
			})
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"message": "Invalid upload",
				"error":   "file is required",
			})
			return
		}
		defer file.Close()

		m, err := svc.Ingest(r.Context(), service.IngestRequest{
			ProjectID:  r.FormValue("projectid"),
			Scenario:   r.FormValue("scenario"),
			FileName:   r.FormValue("filename"),
			UploadName: header.Filename,
			LegendUnit: r.FormValue("legend_unit"),
		}, file)
		if err != nil {
			message := "Error while computing raster min and max"
			switch statusFor(err) {
			case http.StatusBadRequest:
				message = "Invalid upload"
			case http.StatusConflict:
				message = "A file with this name already exists."
			}
			writeError(w, message, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "File Uploaded Successfully",
			"file":     m.FileURL,
			"floodMap": m,
		})
	}
}

type convertRequest struct {
	ProjectID string   `json:"projectId"`
	Scenario  string   `json:"scenario"`
	FileName  string   `json:"filename"`
	Colors    []string `json:"colors"`
	Ramp      string   `json:"ramp"`
}

func (c convertRequest) toService() service.ConvertRequest {
	return service.ConvertRequest{
		ProjectID: c.ProjectID,
		Scenario:  c.Scenario,
		FileName:  c.FileName,
		Colors:    c.Colors,
		Ramp:      c.Ramp,
	}
}

func decodeConvert(r *http.Request) (convertRequest, error) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.Join(service.ErrInvalidInput, err)
	}
	return req, nil
}

func convertHandler(svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeConvert(r)
		if err != nil {
			writeError(w, "Invalid request body", err)
			return
		}

		res, err := svc.Convert(r.Context(), req.toService())
		if err != nil {
			message := "Error converting GeoTIFF to PNG"
			if errors.Is(err, service.ErrNotFound) {
				message = "GeoTIFF file not found"
			}
			writeError(w, message, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"message": "GeoTIFF converted to PNG successfully",
			"pngUrl":  res.PNGURL,
			"bounds":  res.Bounds,
		})
	}
}

func listFloodMapsHandler(svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maps, err := svc.List(r.Context(), chi.URLParam(r, "projectID"), r.URL.Query().Get("scenario"))
		if err != nil {
			writeError(w, "Error listing flood maps", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"floodMaps": maps})
	}
}

func getFloodMapHandler(svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := svc.Get(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "Flood map not found", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func deleteFloodMapHandler(svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Delete(r.Context(), chi.URLParam(r, "projectID"), id); err != nil {
			writeError(w, "Error deleting flood map", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
	}
}

func statsHandler(svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Statistics(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "Error while computing raster min and max", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func boundsHandler(svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := svc.Bounds(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "Error reading raster bounds", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bounds": b})
	}
}

// parseColors splits a comma-separated query value; the leading '#' is
// optional since it must otherwise be escaped in URLs.
func parseColors(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	colors := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && !strings.HasPrefix(p, "#") {
			p = "#" + p
		}
		colors = append(colors, p)
	}
	return colors
}

func legendHandler(svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		data, err := svc.Legend(r.Context(),
			chi.URLParam(r, "projectID"), chi.URLParam(r, "id"),
			parseColors(q.Get("colors")), q.Get("ramp"))
		if err != nil {
			writeError(w, "Error rendering legend", err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

func renderJobSubmitHandler(jm *JobManager, svc *service.FloodMapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		req, err := decodeConvert(r)
		if err == nil {
			err = svc.ValidateConvert(req.toService())
		}
		if err != nil {
			writeError(w, "Invalid render job", err)
			return
		}

		job, err := jm.Submit(req.ProjectID, req.Scenario, req.FileName, req.Colors, req.Ramp)
		switch {
		case errors.Is(err, ErrQueueFull):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"message": "Render queue is full",
				"error":   err.Error(),
				"job_id":  job.ID,
			})
			return
		case err != nil:
			writeError(w, "Failed to submit render job", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func renderJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func renderJobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err := jm.Delete(jobID); err != nil {
			writeError(w, "Failed to delete render job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":  jobID,
			"deleted": true,
		})
	}
}
