// Package bleid is the BLE identity registry: it folds a stream of radio
// observations into stable device identities using masked-manufacturer
// fingerprints, candidate scoring, and a short merge window.
package bleid

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fieldlab/labplane/internal/fault"
)

// ============================================================================
// OBSERVATION
// ============================================================================

// Observation is one advertisement sighting as reported by a scanner.
type Observation struct {
	Addr         string   `json:"addr"`
	AddrType     string   `json:"addr_type"`
	Services     []string `json:"services,omitempty"`
	Name         string   `json:"name,omitempty"`
	MfgCompanyID string   `json:"mfg_company_id,omitempty"`
	MfgDataRaw   string   `json:"mfg_data_raw,omitempty"`
	RSSI         int      `json:"rssi,omitempty"`
	TxPower      int      `json:"tx_power,omitempty"`
	ScannerID    string   `json:"scanner_id,omitempty"`
	TsMs         int64    `json:"ts_ms,omitempty"`
}

// ParseObservation lifts loose envelope data into an Observation, tolerating
// the numeric company ids and float timestamps JSON decoding produces.
func ParseObservation(data map[string]interface{}) (Observation, error) {
	var obs Observation
	obs.Addr, _ = data["addr"].(string)
	obs.AddrType, _ = data["addr_type"].(string)
	obs.Name, _ = data["name"].(string)
	obs.MfgDataRaw, _ = data["mfg_data_raw"].(string)
	obs.ScannerID, _ = data["scanner_id"].(string)

	switch v := data["mfg_company_id"].(type) {
	case string:
		obs.MfgCompanyID = v
	case float64:
		obs.MfgCompanyID = fmt.Sprintf("%04x", int(v))
	}
	if v, ok := data["ts_ms"].(float64); ok {
		obs.TsMs = int64(v)
	}
	if v, ok := data["rssi"].(float64); ok {
		obs.RSSI = int(v)
	}
	if v, ok := data["tx_power"].(float64); ok {
		obs.TxPower = int(v)
	}
	if raw, ok := data["services"].([]interface{}); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				obs.Services = append(obs.Services, str)
			}
		}
	}
	if obs.Addr == "" {
		return obs, fault.Coded(fault.BadRequest, "missing_addr", "observation has no addr")
	}
	return obs, nil
}

// ============================================================================
// NORMALIZATION
// ============================================================================

// norm is the canonical form every fingerprint and score works from.
type norm struct {
	Addr      string
	AddrType  string
	Services  []string
	NameNorm  string
	CompanyID string
	MfgMasked string
	FpStable  string
	FpAddr    string
	Primary   string
	ScannerID string
	TsMs      int64
}

var (
	reParenSuffix = regexp.MustCompile(`\s*\(\d+\)$`)
	reHexSuffix   = regexp.MustCompile(`[-_ ][0-9a-f]{4,}$`)
)

// normalizeName lowercases, collapses whitespace, and strips the volatile
// suffixes vendors append: " (2)" counters and trailing hex blobs.
func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), " ")
	n = reParenSuffix.ReplaceAllString(n, "")
	n = reHexSuffix.ReplaceAllString(n, "")
	return strings.TrimSpace(n)
}

// normalizeServices trims, lowercases, dedupes, and sorts service UUIDs.
func normalizeServices(services []string) []string {
	set := map[string]struct{}{}
	for _, s := range services {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func normalizeAddrType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "public":
		return "public"
	case "random":
		return "random"
	default:
		return "unknown"
	}
}

func normalizeCompanyID(id string) string {
	id = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(id, "0x")))
	if id == "" {
		return ""
	}
	if len(id) < 4 {
		id = strings.Repeat("0", 4-len(id)) + id
	}
	if _, err := hex.DecodeString(id); err != nil {
		return ""
	}
	return id
}

// ============================================================================
// MANUFACTURER DATA MASKING
// ============================================================================

// companyMasks holds per-company boolean masks: true keeps a byte, false
// zeroes it. Apple rotates everything past the type/length header; Microsoft
// rotates past the scenario/version prefix.
var companyMasks = map[string][]bool{
	"004c": {true, true, true, true, true, true}, // Apple: keep bytes 0-5
	"0006": {true, true, true, true},             // Microsoft: keep bytes 0-3
}

const unknownKeep = 4

// maskMfgData zeroes the volatile bytes of manufacturer data. Unknown
// companies keep the first min(4, len) bytes. Output length always equals
// input length so positional structure survives.
func maskMfgData(companyID string, data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data))
	mask, known := companyMasks[companyID]
	for i, b := range data {
		switch {
		case known && i < len(mask) && mask[i]:
			out[i] = b
		case !known && i < unknownKeep:
			out[i] = b
		}
	}
	return out
}

// ============================================================================
// FINGERPRINTS
// ============================================================================

// normalize runs the full pipeline: canonical forms, masking, fingerprints.
func normalize(obs Observation) (norm, error) {
	if strings.TrimSpace(obs.Addr) == "" {
		return norm{}, fault.Coded(fault.BadRequest, "missing_addr", "observation has no addr")
	}
	n := norm{
		Addr:      strings.ToLower(strings.TrimSpace(obs.Addr)),
		AddrType:  normalizeAddrType(obs.AddrType),
		Services:  normalizeServices(obs.Services),
		NameNorm:  normalizeName(obs.Name),
		CompanyID: normalizeCompanyID(obs.MfgCompanyID),
		ScannerID: obs.ScannerID,
		TsMs:      obs.TsMs,
	}

	if obs.MfgDataRaw != "" {
		raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(obs.MfgDataRaw)))
		if err == nil {
			n.MfgMasked = hex.EncodeToString(maskMfgData(n.CompanyID, raw))
		}
	}

	// Stable material: services, company, masked bytes, normalized name.
	stable := strings.Join(n.Services, ",") + n.CompanyID + n.MfgMasked + n.NameNorm
	if stable != "" {
		n.FpStable = hexDigest(stable)
	}
	n.FpAddr = hexDigest(n.Addr + "/" + n.AddrType)

	n.Primary = n.FpStable
	if n.Primary == "" {
		n.Primary = n.FpAddr
	}
	return n, nil
}

func hexDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var b32hex = base32.HexEncoding.WithPadding(base32.NoPadding)

// DeviceIDFor derives the public device identity from a primary fingerprint:
// ble: plus the first 26 base32hex characters of its SHA-256.
func DeviceIDFor(primaryFp string) string {
	sum := sha256.Sum256([]byte(primaryFp))
	return "ble:" + strings.ToLower(b32hex.EncodeToString(sum[:]))[:26]
}
