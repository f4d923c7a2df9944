// Package geo computes H3 indices, precision class and place/admin
// lookups for a geo ping, grounded on original_source's
// processor/app/worker.py compute_geo_dims/classify_precision/
// lookup_place_id/lookup_admin_codes/_ensure_h3_cell.
package geo

import "github.com/sb-analytics/pipeline/internal/models"

// ClassifyPrecision buckets accuracy_m per spec.md §4.5: high below
// 50m, medium below 200m, coarse otherwise.
//
// original_source's classify_precision uses different thresholds
// (<=50 "fine", <=500 "medium") and an extra "unknown" bucket for a
// missing accuracy_m; this repo follows the thresholds and labels
// spec.md states explicitly instead (see DESIGN.md).
func ClassifyPrecision(accuracyM *float64) models.PrecisionClass {
	if accuracyM == nil {
		return models.PrecisionCoarse
	}
	switch {
	case *accuracyM < 50:
		return models.PrecisionHigh
	case *accuracyM < 200:
		return models.PrecisionMedium
	default:
		return models.PrecisionCoarse
	}
}
