package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ManifestHash computes the integrity hash of a record: SHA-256 over the
// record's fields (minus the hash itself) serialized as sorted key=value
// pairs. Float formatting is fixed-width so the hash is stable across loads.
func ManifestHash(r Record) string {
	tags := append([]string(nil), r.Tags...)
	sort.Strings(tags)

	fields := map[string]string{
		"cost_per_input_token":  formatFloat(r.CostPerInputToken),
		"cost_per_output_token": formatFloat(r.CostPerOutputToken),
		"latency_p50_ms":        formatFloat(r.LatencyP50Ms),
		"latency_p95_ms":        formatFloat(r.LatencyP95Ms),
		"name":                  r.Name,
		"provider":              r.Provider,
		"quality_score":         formatFloat(r.QualityScore),
		"region":                r.Region,
		"safety_grade":          string(r.SafetyGrade),
		"status":                string(r.Status),
		"tags":                  strings.Join(tags, ","),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyManifest recomputes the record's hash and reports whether it matches
// the stored one.
func VerifyManifest(r Record) bool {
	return r.ManifestHash == ManifestHash(r)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.9f", f)
}
