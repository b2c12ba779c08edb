// Package service provides the flood-map business logic behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/damwatch/server/internal/cache"
	"github.com/damwatch/server/internal/events"
	"github.com/damwatch/server/internal/mapstore"
	"github.com/damwatch/server/internal/observability"
	"github.com/damwatch/server/internal/raster"
	"github.com/damwatch/server/internal/render"
	"github.com/damwatch/server/pkg/colormap"
)

var (
	// ErrNotFound is returned when a flood map or its raster does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a flood map name is already taken.
	ErrDuplicate = errors.New("a file with this name already exists")
	// ErrInvalidInput is returned for missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
)

// mediaPrefix starts every public media URL.
const mediaPrefix = "media"

// Config contains flood-map service configuration.
type Config struct {
	MediaRoot   string
	Timeout     time.Duration
	DefaultRamp string
	// MaxPixels bounds the rasters decoded for ingest, statistics and
	// legends. Zero keeps raster.DefaultMaxPixels.
	MaxPixels int
}

// FloodMapService ingests flood-extent rasters and derives overlays,
// statistics, bounds and legends from them. Rasters are re-read for every
// request; only ramps and legend images are cached.
type FloodMapService struct {
	cfg      Config
	store    *mapstore.Store
	renderer *render.RasterRenderer
	cache    *cache.Manager
	events   events.Publisher
	metrics  *observability.Metrics

	// Names being ingested, lower-cased, so concurrent uploads of the same
	// name cannot both pass the duplicate check.
	ingestMu  sync.Mutex
	ingesting map[string]struct{}
}

// NewFloodMapService creates a new flood-map service. publisher may be nil.
func NewFloodMapService(
	cfg Config,
	store *mapstore.Store,
	renderer *render.RasterRenderer,
	cacheMgr *cache.Manager,
	publisher events.Publisher,
	metrics *observability.Metrics,
) *FloodMapService {
	if cfg.DefaultRamp == "" {
		cfg.DefaultRamp = colormap.DefaultName
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &FloodMapService{
		cfg:       cfg,
		store:     store,
		renderer:  renderer,
		cache:     cacheMgr,
		events:    publisher,
		metrics:   metrics,
		ingesting: make(map[string]struct{}),
	}
}

// IngestRequest describes an uploaded flood map.
type IngestRequest struct {
	ProjectID  string
	Scenario   string
	FileName   string // stored name, without extension
	UploadName string // client file name; supplies the extension
	LegendUnit string
}

// ConvertRequest asks for a PNG overlay of a stored raster.
type ConvertRequest struct {
	ProjectID string
	Scenario  string
	FileName  string   // raster file name including extension
	Colors    []string // "#RRGGBB" buckets; takes precedence over Ramp
	Ramp      string   // preset name
}

// ConvertResult locates a rendered overlay on the map.
type ConvertResult struct {
	PNGURL string              `json:"pngUrl"`
	Bounds raster.LatLngBounds `json:"bounds"`
}

// Ingest stores an uploaded GeoTIFF under media/<project>/<scenario>/ and
// records its colour scale rounded to two decimals. If the statistics cannot
// be computed the file is removed and nothing is recorded.
func (s *FloodMapService) Ingest(ctx context.Context, req IngestRequest, body io.Reader) (m *mapstore.FloodMap, err error) {
	start := time.Now()
	defer func() { s.observe("ingest", start, err) }()

	if err := validateSegments(
		"projectid", req.ProjectID,
		"scenario", req.Scenario,
		"filename", req.FileName,
	); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.LegendUnit) == "" {
		return nil, fmt.Errorf("%w: legend_unit is required", ErrInvalidInput)
	}
	ext := filepath.Ext(req.UploadName)
	if e := strings.ToLower(ext); e != ".tif" && e != ".tiff" {
		return nil, fmt.Errorf("%w: %q is not a GeoTIFF (.tif or .tiff)", ErrInvalidInput, req.UploadName)
	}

	release, err := s.claimName(req.ProjectID, req.Scenario, req.FileName)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	dir := filepath.Join(s.cfg.MediaRoot, req.ProjectID, req.Scenario)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	stored := req.FileName + ext
	target := filepath.Join(dir, stored)
	if err := writeFileAtomic(target, body); err != nil {
		return nil, err
	}

	g, err := raster.Load(ctx, target, s.loadOpts()...)
	var stats raster.Statistics
	if err == nil {
		stats, err = raster.ComputeStatistics(g)
	}
	if err != nil {
		removeFile(target)
		return nil, fmt.Errorf("error while computing raster min and max: %w", err)
	}

	m = &mapstore.FloodMap{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		Scenario:   req.Scenario,
		FileName:   req.FileName,
		FileURL:    path.Join(mediaPrefix, req.ProjectID, req.Scenario, stored),
		Min:        mapstore.Round2(stats.Min),
		Max:        mapstore.Round2(stats.Max),
		LegendUnit: req.LegendUnit,
	}
	if err := s.store.CreateFloodMap(m); err != nil {
		removeFile(target)
		if errors.Is(err, mapstore.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.FileName)
		}
		return nil, err
	}
	log.Printf("[FloodMaps] ingested %s (min=%s max=%s %s)", m.FileURL, m.Min, m.Max, m.LegendUnit)

	s.publish(ctx, events.Event{
		Type:       events.FloodMapIngested,
		ProjectID:  m.ProjectID,
		Scenario:   m.Scenario,
		FloodMapID: m.ID,
		FileName:   stored,
		Detail:     map[string]any{"min": m.Min, "max": m.Max, "legend_unit": m.LegendUnit},
	})
	return m, nil
}

// Convert renders the raster named by req to a PNG next to it and reports
// where the overlay belongs on the map.
func (s *FloodMapService) Convert(ctx context.Context, req ConvertRequest) (res *ConvertResult, err error) {
	start := time.Now()
	defer func() { s.observe("convert", start, err) }()

	if err := validateSegments(
		"projectId", req.ProjectID,
		"scenario", req.Scenario,
		"filename", req.FileName,
	); err != nil {
		return nil, err
	}
	ramp, err := s.resolveRamp(req.Colors, req.Ramp)
	if err != nil {
		return nil, err
	}

	src := filepath.Join(s.cfg.MediaRoot, req.ProjectID, req.Scenario, req.FileName)
	if err := requireFile(src); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.renderer.RenderFile(ctx, src, ramp)
	if err != nil {
		return nil, err
	}
	box, err := raster.ExtractBounds(ctx, src)
	if err != nil {
		return nil, err
	}

	res = &ConvertResult{
		PNGURL: path.Join(mediaPrefix, req.ProjectID, req.Scenario, filepath.Base(out)),
		Bounds: box.LatLng(),
	}

	e := events.Event{
		Type:      events.FloodMapRendered,
		ProjectID: req.ProjectID,
		Scenario:  req.Scenario,
		FileName:  req.FileName,
		Detail:    map[string]any{"png_url": res.PNGURL, "colors": ramp.Hex()},
	}
	stem := strings.TrimSuffix(req.FileName, filepath.Ext(req.FileName))
	if m, err := s.store.FindFloodMap(req.ProjectID, req.Scenario, stem); err == nil {
		e.FloodMapID = m.ID
	}
	s.publish(ctx, e)
	return res, nil
}

// Statistics recomputes the colour-scale range of a stored flood map from its
// raster. Unlike the stored record the values are not rounded.
func (s *FloodMapService) Statistics(ctx context.Context, projectID, id string) (stats raster.Statistics, err error) {
	start := time.Now()
	defer func() { s.observe("statistics", start, err) }()

	m, src, err := s.locate(projectID, id)
	if err != nil {
		return raster.Statistics{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	g, err := raster.Load(ctx, src, s.loadOpts()...)
	if err != nil {
		return raster.Statistics{}, err
	}
	stats, err = raster.ComputeStatistics(g)
	if err != nil {
		return raster.Statistics{}, fmt.Errorf("%s: %w", m.FileURL, err)
	}
	return stats, nil
}

// Bounds reports the map placement of a stored flood map.
func (s *FloodMapService) Bounds(ctx context.Context, projectID, id string) (b raster.LatLngBounds, err error) {
	start := time.Now()
	defer func() { s.observe("bounds", start, err) }()

	_, src, err := s.locate(projectID, id)
	if err != nil {
		return raster.LatLngBounds{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	box, err := raster.ExtractBounds(ctx, src)
	if err != nil {
		return raster.LatLngBounds{}, err
	}
	return box.LatLng(), nil
}

// Legend returns a PNG legend for a stored flood map drawn with the given
// colours or preset.
func (s *FloodMapService) Legend(ctx context.Context, projectID, id string, colors []string, rampName string) (data []byte, err error) {
	start := time.Now()
	defer func() { s.observe("legend", start, err) }()

	m, src, err := s.locate(projectID, id)
	if err != nil {
		return nil, err
	}
	ramp, err := s.resolveRamp(colors, rampName)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, m.FileURL)
	}

	key := cache.LegendKey(src, info.ModTime(), ramp, m.LegendUnit)
	if data, ok := s.cache.GetLegend(key); ok {
		s.countLegend("hit")
		return data, nil
	}
	s.countLegend("miss")

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	g, err := raster.Load(ctx, src, s.loadOpts()...)
	if err != nil {
		return nil, err
	}
	stats, err := raster.ComputeStatistics(g)
	if err != nil {
		return nil, err
	}
	data, err = s.renderer.RenderLegend(ramp, stats, m.LegendUnit)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetLegend(key, data); err != nil {
		log.Printf("[FloodMaps] legend cache: %v", err)
	}
	return data, nil
}

// List returns the flood maps of a project, optionally for one scenario.
func (s *FloodMapService) List(ctx context.Context, projectID, scenario string) ([]*mapstore.FloodMap, error) {
	if err := validateSegments("projectId", projectID); err != nil {
		return nil, err
	}
	return s.store.ListFloodMaps(projectID, scenario)
}

// Get returns one flood map record.
func (s *FloodMapService) Get(ctx context.Context, projectID, id string) (*mapstore.FloodMap, error) {
	m, _, err := s.locate(projectID, id)
	return m, err
}

// Delete removes the record, the raster and its derived overlay. Failures to
// unlink files are logged and do not fail the request.
func (s *FloodMapService) Delete(ctx context.Context, projectID, id string) error {
	m, src, err := s.locate(projectID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFloodMap(projectID, id); err != nil {
		if errors.Is(err, mapstore.ErrNotFound) {
			return fmt.Errorf("%w: flood map %s", ErrNotFound, id)
		}
		return err
	}
	removeFile(src)
	removeFile(render.PNGPath(src))
	log.Printf("[FloodMaps] deleted %s", m.FileURL)

	s.publish(ctx, events.Event{
		Type:       events.FloodMapDeleted,
		ProjectID:  m.ProjectID,
		Scenario:   m.Scenario,
		FloodMapID: m.ID,
		FileName:   path.Base(m.FileURL),
	})
	return nil
}

// ExecuteRenderJob runs a queued conversion (called by the job manager).
func (s *FloodMapService) ExecuteRenderJob(ctx context.Context, store *mapstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	res, err := s.Convert(ctx, ConvertRequest{
		ProjectID: job.ProjectID,
		Scenario:  job.Scenario,
		FileName:  job.FileName,
		Colors:    job.Colors,
		Ramp:      job.Ramp,
	})
	if err != nil {
		return err
	}
	return store.CompleteJob(jobID, res.PNGURL, res.Bounds)
}

// ValidateConvert checks a conversion request without running it.
func (s *FloodMapService) ValidateConvert(req ConvertRequest) error {
	if err := validateSegments(
		"projectId", req.ProjectID,
		"scenario", req.Scenario,
		"filename", req.FileName,
	); err != nil {
		return err
	}
	_, err := s.resolveRamp(req.Colors, req.Ramp)
	return err
}

// locate loads a record and resolves the path of its raster.
func (s *FloodMapService) locate(projectID, id string) (*mapstore.FloodMap, string, error) {
	if err := validateSegments("projectId", projectID, "id", id); err != nil {
		return nil, "", err
	}
	m, err := s.store.GetFloodMap(projectID, id)
	if errors.Is(err, mapstore.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: flood map %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", err
	}
	src := filepath.Join(s.cfg.MediaRoot, m.ProjectID, m.Scenario, path.Base(m.FileURL))
	return m, src, nil
}

func (s *FloodMapService) resolveRamp(colors []string, name string) (colormap.Ramp, error) {
	if len(colors) > 0 {
		r, err := s.cache.Ramp(colors)
		if err != nil {
			return colormap.Ramp{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return r, nil
	}
	if name == "" {
		name = s.cfg.DefaultRamp
	}
	r, ok := colormap.Named(name)
	if !ok {
		return colormap.Ramp{}, fmt.Errorf("%w: unknown ramp %q (have %s)",
			ErrInvalidInput, name, strings.Join(colormap.Names(), ", "))
	}
	return r, nil
}

func (s *FloodMapService) claimName(projectID, scenario, name string) (release func(), err error) {
	key := projectID + "\x00" + scenario + "\x00" + strings.ToLower(name)

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if _, busy := s.ingesting[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	switch _, err := s.store.FindFloodMap(projectID, scenario, name); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	case !errors.Is(err, mapstore.ErrNotFound):
		return nil, err
	}

	s.ingesting[key] = struct{}{}
	return func() {
		s.ingestMu.Lock()
		delete(s.ingesting, key)
		s.ingestMu.Unlock()
	}, nil
}

func (s *FloodMapService) loadOpts() []raster.Option {
	return []raster.Option{raster.WithMaxPixels(s.cfg.MaxPixels)}
}

func (s *FloodMapService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *FloodMapService) publish(ctx context.Context, e events.Event) {
	err := s.events.Publish(context.WithoutCancel(ctx), e)
	if err != nil {
		log.Printf("[FloodMaps] publish %s: %v", e.Type, err)
	}
	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.metrics.EventsEmitted.WithLabelValues(string(e.Type), outcome).Inc()
	}
}

func (s *FloodMapService) observe(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, start, err)
	}
}

func (s *FloodMapService) countLegend(result string) {
	if s.metrics != nil {
		s.metrics.LegendCache.WithLabelValues(result).Inc()
	}
}
