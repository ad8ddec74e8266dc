package service

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/maldi-atlas/server/internal/spectral"
)

// DefaultVerifyRanges is checked when no ranges are given.
var DefaultVerifyRanges = []Range{{Low: 560, High: 800}}

// VerifyReport compares the exact and cached range images of one slice and range.
type VerifyReport struct {
	Slice         int     `json:"slice"`
	Range         Range   `json:"range"`
	CacheExact    bool    `json:"cache_exact"`
	Differences   int     `json:"differences"`
	MaxDifference float64 `json:"max_difference"`
}

// OK reports whether both paths agreed on every pixel.
func (r VerifyReport) OK() bool {
	return r.Differences == 0
}

// Verify computes, for every slice and range, both range images and counts the
// pixels on which they differ. Slices are checked at most workers at a time.
func (s *QueryService) Verify(ctx context.Context, ranges []Range, opts spectral.Options, workers int) ([]VerifyReport, error) {
	if len(ranges) == 0 {
		ranges = DefaultVerifyRanges
	}
	if workers <= 0 {
		workers = 4
	}

	ids := s.engine.SliceIDs()
	reports := make([][]VerifyReport, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := s.verifySlice(id, ranges, opts)
			if err != nil {
				return err
			}
			reports[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []VerifyReport
	for _, r := range reports {
		all = append(all, r...)
	}
	return all, nil
}

func (s *QueryService) verifySlice(id int, ranges []Range, opts spectral.Options) ([]VerifyReport, error) {
	sl, err := s.engine.Slice(id)
	if err != nil {
		return nil, err
	}
	out := make([]VerifyReport, 0, len(ranges))
	for _, r := range ranges {
		exact, err := s.engine.ExactRangeImage(id, r.Low, r.High, opts)
		if err != nil {
			return nil, err
		}
		cached, err := s.engine.CachedRangeImage(id, r.Low, r.High, opts)
		if err != nil {
			return nil, err
		}
		rep := VerifyReport{Slice: id, Range: r, CacheExact: sl.CacheExact()}
		for p := range exact.Values {
			if exact.Values[p] != cached.Values[p] {
				rep.Differences++
				rep.MaxDifference = math.Max(rep.MaxDifference, math.Abs(exact.Values[p]-cached.Values[p]))
			}
		}
		out = append(out, rep)
	}
	return out, nil
}
