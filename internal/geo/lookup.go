package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// AdminCodes mirrors lookup_admin_codes's four-level return shape.
type AdminCodes struct {
	Country, Province, Municipality, Sector *string
}

func containsPoint(geomJSON string, pt orb.Point) (bool, error) {
	geom, err := geojson.UnmarshalGeometry([]byte(geomJSON))
	if err != nil {
		return false, fmt.Errorf("geo: unmarshal geometry: %w", err)
	}
	switch g := geom.Geometry().(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, pt), nil
	case orb.MultiPolygon:
		for _, poly := range g {
			if planar.PolygonContains(poly, pt) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("geo: unsupported geometry type %T", g)
	}
}

// LookupPlace returns the place_id whose geofence contains the point
// and is valid at eventTS, or nil when no place matches. Scans every
// row valid at eventTS; no spatial index narrows the candidates.
func LookupPlace(ctx context.Context, pool *pgxpool.Pool, lat, lon float64, eventTS time.Time) (*string, error) {
	rows, err := pool.Query(ctx, `
		SELECT place_id, geom_geojson
		FROM places
		WHERE (valid_from IS NULL OR valid_from <= $1)
		  AND (valid_to IS NULL OR valid_to >= $1)
	`, eventTS)
	if err != nil {
		return nil, fmt.Errorf("geo: lookup place: %w", err)
	}
	defer rows.Close()

	pt := orb.Point{lon, lat}
	for rows.Next() {
		var placeID, geomJSON string
		if err := rows.Scan(&placeID, &geomJSON); err != nil {
			return nil, fmt.Errorf("geo: scan place: %w", err)
		}
		ok, err := containsPoint(geomJSON, pt)
		if err != nil {
			return nil, err
		}
		if ok {
			return &placeID, nil
		}
	}
	return nil, rows.Err()
}

// LookupAdminCodes returns the first matching code at each admin level
// (country/province/municipality/sector) whose polygon contains the
// point and is valid at eventTS.
func LookupAdminCodes(ctx context.Context, pool *pgxpool.Pool, lat, lon float64, eventTS time.Time) (AdminCodes, error) {
	var out AdminCodes

	rows, err := pool.Query(ctx, `
		SELECT level, code, geom_geojson
		FROM admin_areas
		WHERE (valid_from IS NULL OR valid_from <= $1)
		  AND (valid_to IS NULL OR valid_to >= $1)
	`, eventTS)
	if err != nil {
		return out, fmt.Errorf("geo: lookup admin codes: %w", err)
	}
	defer rows.Close()

	pt := orb.Point{lon, lat}
	for rows.Next() {
		var level, code, geomJSON string
		if err := rows.Scan(&level, &code, &geomJSON); err != nil {
			return out, fmt.Errorf("geo: scan admin area: %w", err)
		}

		target := adminSlot(&out, level)
		if target == nil || *target != nil {
			continue // already resolved at this level
		}

		ok, err := containsPoint(geomJSON, pt)
		if err != nil {
			return out, err
		}
		if ok {
			c := code
			*target = &c
		}
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return out, err
	}
	return out, nil
}

func adminSlot(out *AdminCodes, level string) **string {
	switch level {
	case "country":
		return &out.Country
	case "province":
		return &out.Province
	case "municipality":
		return &out.Municipality
	case "sector":
		return &out.Sector
	default:
		return nil
	}
}
