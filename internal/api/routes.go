// Package api provides HTTP handlers for the MALDI atlas server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/maldi-atlas/server/internal/annotation"
	"github.com/maldi-atlas/server/internal/render"
	"github.com/maldi-atlas/server/internal/service"
	"github.com/maldi-atlas/server/internal/spectral"
	"github.com/maldi-atlas/server/pkg/colormap"
)

// maxScale bounds the pixel upscaling of rendered images.
const maxScale = 16

// maxRegionPixels bounds the pixel list of a region request.
const maxRegionPixels = 1 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
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

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/stats", statsHandler)
			r.Get("/slices", slicesHandler)

			r.Route("/slices/{slice}", func(r chi.Router) {
				r.Get("/", sliceHandler)
				r.Get("/image", rangeImageHandler)
				r.Get("/image.png", imagePNGHandler)
				r.Get("/composite.png", compositePNGHandler)
				r.Get("/seek", seekHandler)
				r.Get("/pixel", pixelHandler)
				r.Get("/pixels/{pixel}/spectrum", pixelSpectrumHandler)
				r.Get("/coordinates/{pixel}", coordinatesHandler)
				r.Get("/average", averageHandler)
				r.Get("/lipids", lipidsHandler)
				r.Post("/region", regionHandler)
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the query service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc, ok := registry.Lookup(datasetID)
			if !ok {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.QueryService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.QueryService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	writeJSON(w, map[string]interface{}{
		"dataset": svc.DatasetID(),
		"slices":  len(svc.Slices()),
		"cache":   svc.CacheStats(),
	})
}

func slicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getDatasetService(r).Slices())
}

func sliceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	detail, err := getDatasetService(r).SliceDetail(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, detail)
}

// rangeImageResponse is the JSON form of a range image.
type rangeImageResponse struct {
	Slice  int             `json:"slice"`
	Rows   int             `json:"rows"`
	Cols   int             `json:"cols"`
	Ranges []service.Range `json:"ranges"`
	Mode   string          `json:"mode"`
	Method service.Method  `json:"method"`
	Max    float64         `json:"max"`
	Values []float64       `json:"values"`
}

func rangeImageHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	ranges, err := rangesParam(r.Context(), svc, id, query, "ranges")
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := optionsParam(query)
	if err != nil {
		writeError(w, err)
		return
	}
	method, err := service.ParseMethod(query.Get("method"))
	if err != nil {
		writeError(w, err)
		return
	}

	img, err := svc.RangeImage(id, ranges, opts, method)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rangeImageResponse{
		Slice:  id,
		Rows:   img.Shape.Rows,
		Cols:   img.Shape.Cols,
		Ranges: ranges,
		Mode:   opts.Correction.String(),
		Method: method,
		Max:    img.Max(),
		Values: img.Values,
	})
}

func imagePNGHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	ranges, err := rangesParam(r.Context(), svc, id, query, "ranges")
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := optionsParam(query)
	if err != nil {
		writeError(w, err)
		return
	}
	style, err := styleParam(query, svc.Renderer().DefaultStyle())
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := svc.ImagePNG(id, ranges, opts, style)
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func compositePNGHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()

	channels := make([][]service.Range, render.MaxChannels)
	selected := false
	for i, key := range []string{"r", "g", "b"} {
		if !query.Has(key) {
			continue
		}
		ranges, err := parseRangeList(query.Get(key))
		if err != nil {
			writeError(w, err)
			return
		}
		channels[i] = ranges
		selected = true
	}
	if !selected {
		writeError(w, fmt.Errorf("%w: composite needs at least one of r, g, b", service.ErrInvalidQuery))
		return
	}
	opts, err := optionsParam(query)
	if err != nil {
		writeError(w, err)
		return
	}
	style, err := styleParam(query, svc.Renderer().DefaultStyle())
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := svc.CompositePNG(r.Context(), id, channels, opts, style)
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func seekHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	mz, err := floatParam(r.URL.Query(), "mz")
	if err != nil {
		writeError(w, err)
		return
	}
	positions, err := svc.Engine().Seek(id, mz)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"slice":     id,
		"mz":        mz,
		"positions": positions,
	})
}

func pixelHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	row, err := intParam(query, "row")
	if err != nil {
		writeError(w, err)
		return
	}
	col, err := intParam(query, "col")
	if err != nil {
		writeError(w, err)
		return
	}
	pixel, err := svc.Pixel(id, row, col)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"pixel": pixel, "row": row, "col": col})
}

func pixelSpectrumHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pixel, err := pixelParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	padded, err := boolParam(r.URL.Query(), "pad")
	if err != nil {
		writeError(w, err)
		return
	}
	spectrum, err := svc.PixelSpectrum(id, pixel, padded)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, spectrum)
}

func coordinatesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pixel, err := pixelParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	row, col, err := svc.Coordinate(id, pixel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"pixel": pixel, "row": row, "col": col})
}

func averageHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()

	q := service.AverageQuery{}
	ranges, err := rangesParam(r.Context(), svc, id, query, "")
	if err != nil {
		writeError(w, err)
		return
	}
	q.Range = ranges[0]
	if q.Options, err = optionsParam(query); err != nil {
		writeError(w, err)
		return
	}
	if query.Has("reduce") {
		if q.ReduceWidth, err = floatParam(query, "reduce"); err != nil {
			writeError(w, err)
			return
		}
	}
	if q.Padded, err = boolParam(query, "pad"); err != nil {
		writeError(w, err)
		return
	}

	res, err := svc.AverageSpectrum(id, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func lipidsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	lipids, err := svc.Lipids(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if lipids == nil {
		lipids = []annotation.Lipid{}
	}
	writeJSON(w, lipids)
}

type regionRequest struct {
	Pixels []int  `json:"pixels"`
	Mode   string `json:"mode"`
}

func regionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	id, err := sliceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req regionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", service.ErrInvalidQuery, err))
		return
	}
	if len(req.Pixels) == 0 || len(req.Pixels) > maxRegionPixels {
		writeError(w, fmt.Errorf("%w: region needs 1 to %d pixels", service.ErrInvalidQuery, maxRegionPixels))
		return
	}
	mode, err := spectral.ParseCorrectionMode(req.Mode)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", service.ErrInvalidQuery, err))
		return
	}

	res, err := svc.RegionSpectrum(r.Context(), id, req.Pixels, spectral.Options{Correction: mode})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// Parameter parsing

func sliceParam(r *http.Request) (int, error) {
	s := chi.URLParam(r, "slice")
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid slice id %q", service.ErrInvalidQuery, s)
	}
	return id, nil
}

func pixelParam(r *http.Request) (int, error) {
	s := chi.URLParam(r, "pixel")
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid pixel %q", service.ErrInvalidQuery, s)
	}
	return p, nil
}

func floatParam(query url.Values, key string) (float64, error) {
	s := strings.TrimSpace(query.Get(key))
	if s == "" {
		return 0, fmt.Errorf("%w: missing required query param: %s", service.ErrInvalidQuery, key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: invalid %s %q", service.ErrInvalidQuery, key, s)
	}
	return v, nil
}

func intParam(query url.Values, key string) (int, error) {
	s := strings.TrimSpace(query.Get(key))
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", service.ErrInvalidQuery, key, s)
	}
	return v, nil
}

func boolParam(query url.Values, key string) (bool, error) {
	s := strings.TrimSpace(query.Get(key))
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: invalid %s %q", service.ErrInvalidQuery, key, s)
	}
	return v, nil
}

// rangesParam reads the m/z ranges of a request: either a list under listKey
// ("560:600,700.1:700.2"), a lipid label ("PC 34:1 K"), or low and high.
func rangesParam(ctx context.Context, svc *service.QueryService, slice int, query url.Values, listKey string) ([]service.Range, error) {
	if listKey != "" && query.Has(listKey) {
		return parseRangeList(query.Get(listKey))
	}
	if query.Has("lipid") {
		fields := strings.Fields(query.Get("lipid"))
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: lipid must be \"name structure cation\"", service.ErrInvalidQuery)
		}
		r, err := svc.LipidRange(ctx, slice, fields[0], fields[1], fields[2])
		if err != nil {
			return nil, err
		}
		return []service.Range{r}, nil
	}
	low, err := floatParam(query, "low")
	if err != nil {
		return nil, err
	}
	high, err := floatParam(query, "high")
	if err != nil {
		return nil, err
	}
	return []service.Range{{Low: low, High: high}}, nil
}

func parseRangeList(s string) ([]service.Range, error) {
	var out []service.Range
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lowStr, highStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: range %q is not low:high", service.ErrInvalidQuery, part)
		}
		low, err1 := strconv.ParseFloat(strings.TrimSpace(lowStr), 64)
		high, err2 := strconv.ParseFloat(strings.TrimSpace(highStr), 64)
		if err1 != nil || err2 != nil || math.IsInf(low, 0) || math.IsInf(high, 0) {
			return nil, fmt.Errorf("%w: invalid range %q", service.ErrInvalidQuery, part)
		}
		out = append(out, service.Range{Low: low, High: high})
		if len(out) > service.MaxRanges {
			return nil, fmt.Errorf("%w: at most %d ranges", service.ErrInvalidQuery, service.MaxRanges)
		}
	}
	return out, nil
}

func optionsParam(query url.Values) (spectral.Options, error) {
	var opts spectral.Options
	var err error
	if opts.Correction, err = spectral.ParseCorrectionMode(query.Get("mode")); err != nil {
		return opts, fmt.Errorf("%w: %v", service.ErrInvalidQuery, err)
	}
	if opts.Resolution, err = spectral.ParseResolution(query.Get("resolution")); err != nil {
		return opts, fmt.Errorf("%w: %v", service.ErrInvalidQuery, err)
	}
	return opts, nil
}

func styleParam(query url.Values, style render.Style) (render.Style, error) {
	var err error
	if v := strings.TrimSpace(query.Get("colormap")); v != "" {
		if _, ok := colormap.ByName(v); !ok {
			return style, fmt.Errorf("%w: unknown colormap %q", service.ErrInvalidQuery, v)
		}
		style.Colormap = v
	}
	if query.Has("percentile") {
		if style.Percentile, err = floatParam(query, "percentile"); err != nil {
			return style, err
		}
		if style.Percentile < 0 || style.Percentile > 100 {
			return style, fmt.Errorf("%w: percentile must be in [0, 100]", service.ErrInvalidQuery)
		}
	}
	if query.Has("log") {
		if style.LogScale, err = boolParam(query, "log"); err != nil {
			return style, err
		}
	}
	if query.Has("scale") {
		if style.Scale, err = intParam(query, "scale"); err != nil {
			return style, err
		}
		if style.Scale < 1 || style.Scale > maxScale {
			return style, fmt.Errorf("%w: scale must be in [1, %d]", service.ErrInvalidQuery, maxScale)
		}
	}
	if style.Colorbar, err = boolParam(query, "colorbar"); err != nil {
		return style, err
	}
	return style, nil
}

// Responses

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, spectral.ErrSliceNotFound),
		errors.Is(err, spectral.ErrNoAverageSpectrum),
		errors.Is(err, annotation.ErrLipidNotFound),
		errors.Is(err, service.ErrNoAnnotations):
		status = http.StatusNotFound
	case errors.Is(err, spectral.ErrInvalidRange),
		errors.Is(err, spectral.ErrPixelOutOfBounds),
		errors.Is(err, service.ErrInvalidQuery):
		status = http.StatusBadRequest
	default:
		log.Printf("[api] internal error: %v", err)
	}
	http.Error(w, err.Error(), status)
}
