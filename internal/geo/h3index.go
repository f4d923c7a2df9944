package geo

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	h3 "github.com/uber/h3-go/v4"
)

// Indices holds the H3 cell at each configured resolution for a point.
type Indices struct {
	R7, R9, R11 string
}

// ComputeIndices derives the H3 cell at r7/r9/r11 for a point.
// Computed unconditionally, regardless of precision class (spec.md §4.5).
func ComputeIndices(lat, lon float64) Indices {
	ll := h3.NewLatLng(lat, lon)
	return Indices{
		R7:  h3.LatLngToCell(ll, 7).String(),
		R9:  h3.LatLngToCell(ll, 9).String(),
		R11: h3.LatLngToCell(ll, 11).String(),
	}
}

// cellCache deduplicates h3_cells inserts across the process so a hot
// queue doesn't re-issue the same upsert for every ping that lands in a
// cell, mirroring original_source's _h3_cells_seen set.
type cellCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// softCap bounds cellCache growth in a long-running process, matching
// original_source's soft cap of 20000 before it clears the set.
const softCap = 20000

var cache = &cellCache{seen: make(map[string]struct{})}

func (c *cellCache) markIfNew(cell string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[cell]; ok {
		return false
	}
	if len(c.seen) > softCap {
		c.seen = make(map[string]struct{})
	}
	c.seen[cell] = struct{}{}
	return true
}

// EnsureH3Cell lazily inserts a reference row for an H3 cell the first
// time this process observes it: resolution, centroid and boundary as
// GeoJSON. A no-op (skips the DB round trip) once cached.
func EnsureH3Cell(ctx context.Context, pool *pgxpool.Pool, cell string) error {
	if !cache.markIfNew(cell) {
		return nil
	}

	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return fmt.Errorf("geo: parse h3 cell %s: %w", cell, err)
	}

	resolution := c.Resolution()
	centroid := c.LatLng()
	boundary := c.Boundary()

	ring := make(orb.Ring, 0, len(boundary)+1)
	for _, v := range boundary {
		ring = append(ring, orb.Point{v.Lng, v.Lat})
	}
	if len(ring) > 0 && !ring[0].Equal(ring[len(ring)-1]) {
		ring = append(ring, ring[0])
	}
	poly := orb.Polygon{ring}
	boundaryJSON, err := geojson.NewGeometry(poly).MarshalJSON()
	if err != nil {
		return fmt.Errorf("geo: marshal h3 boundary: %w", err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO h3_cells (h3_cell, resolution, boundary_geojson, centroid_lat, centroid_lon)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (h3_cell) DO NOTHING
	`, cell, resolution, string(boundaryJSON), centroid.Lat, centroid.Lng)
	if err != nil {
		return fmt.Errorf("geo: ensure h3 cell %s: %w", cell, err)
	}
	return nil
}
