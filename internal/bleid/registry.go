package bleid

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

// MergeWindow is how long a fingerprint signal stays live for merging.
const MergeWindow = 5 * time.Second

// Scoring weights and decision thresholds.
const (
	scoreFpStableMatch   = 60
	scoreServiceOverlap  = 25
	scoreServiceDisjoint = -40
	scoreCompanyAndMask  = 20
	scoreCompanyMismatch = -30
	scoreSameName        = 10
	scorePublicAddr      = 10

	thresholdAttach    = 70
	thresholdCandidate = 50

	confidenceStable = 62
	confidenceAddr   = 35
)

// ============================================================================
// DEVICE MODEL
// ============================================================================

// Meta is the JSON blob stored per device.
type Meta struct {
	Services      []string `json:"services,omitempty"`
	NameNorm      string   `json:"name_norm,omitempty"`
	CompanyID     string   `json:"company_id,omitempty"`
	MfgMasked     string   `json:"mfg_masked,omitempty"`
	AddrSet       []string `json:"addr_set,omitempty"`
	AddrPublicSet []string `json:"addr_public_set,omitempty"`
	Scanners      []string `json:"scanners,omitempty"`
	Confidence    int      `json:"confidence"`
	Candidate     bool     `json:"candidate"`
	FpStable      string   `json:"fp_stable,omitempty"`
	FpAddr        string   `json:"fp_addr,omitempty"`
	LastAddr      string   `json:"last_addr,omitempty"`
	LastAddrType  string   `json:"last_addr_type,omitempty"`
}

// Device is one identity row.
type Device struct {
	DeviceID   string
	PrimaryFp  string
	CreatedTs  int64
	LastSeenTs int64
	Meta       Meta
}

// Seen is the per-observation output.
type Seen struct {
	DeviceID   string `json:"device_id"`
	Confidence int    `json:"confidence"`
	Candidate  bool   `json:"candidate"`
	FpStable   string `json:"fp_stable,omitempty"`
	FpAddr     string `json:"fp_addr"`
}

// Merged describes a merge-window collapse.
type Merged struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Outcome is everything one observation produced.
type Outcome struct {
	Seen   Seen
	Merged *Merged
}

// ============================================================================
// REGISTRY
// ============================================================================

type signal struct {
	DeviceID string
	TsMs     int64
}

// Registry owns the SQLite identity database. Writes are serialized by one
// mutex on top of a single connection; cross-process writers are expected to
// hold their own file lock and retry on busy.
type Registry struct {
	db      *sql.DB
	mu      sync.Mutex
	signals *expirable.LRU[string, signal]
	logger  *log.Entry
}

const schema = `
CREATE TABLE IF NOT EXISTS ble_devices (
	device_id    TEXT PRIMARY KEY,
	primary_fp   TEXT NOT NULL,
	created_ts   INTEGER NOT NULL,
	last_seen_ts INTEGER NOT NULL,
	meta_json    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ble_fps (
	fp         TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ble_fps_device ON ble_fps(device_id);
CREATE TABLE IF NOT EXISTS ble_aliases (
	device_id       TEXT PRIMARY KEY,
	addr_last       TEXT,
	name_last       TEXT,
	company_id_last TEXT,
	updated_ts      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ble_aliases_addr ON ble_aliases(addr_last);
`

// Open opens (or creates) the registry database.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "open ble registry %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.TransientIO, err, "create ble registry schema")
	}
	return &Registry{
		db:      db,
		signals: expirable.NewLRU[string, signal](4096, nil, MergeWindow),
		logger:  log.WithField("component", "bleid"),
	}, nil
}

// Close releases the database.
func (r *Registry) Close() error { return r.db.Close() }

// Stats reports row counts for health surfaces.
func (r *Registry) Stats() (devices, fingerprints int, err error) {
	if err = r.db.QueryRow(`SELECT COUNT(*) FROM ble_devices`).Scan(&devices); err != nil {
		return 0, 0, fault.Wrap(fault.TransientIO, err, "count devices")
	}
	if err = r.db.QueryRow(`SELECT COUNT(*) FROM ble_fps`).Scan(&fingerprints); err != nil {
		return 0, 0, fault.Wrap(fault.TransientIO, err, "count fingerprints")
	}
	return devices, fingerprints, nil
}

// Get loads one device.
func (r *Registry) Get(deviceID string) (*Device, error) {
	return r.getDevice(r.db, deviceID)
}

// Resolve maps any fingerprint to its owning device id.
func (r *Registry) Resolve(fp string) (string, error) {
	var id string
	err := r.db.QueryRow(`SELECT device_id FROM ble_fps WHERE fp = ?`, fp).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fault.Wrap(fault.TransientIO, err, "resolve fingerprint")
	}
	return id, nil
}

// ============================================================================
// PROCESSING PIPELINE
// ============================================================================

// Process folds one observation into the registry and reports what happened.
func (r *Registry) Process(obs Observation) (Outcome, error) {
	n, err := normalize(obs)
	if err != nil {
		return Outcome{}, err
	}
	ts := n.TsMs
	if ts == 0 {
		ts = envelope.NowMs()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return Outcome{}, fault.Wrap(fault.TransientIO, err, "begin registry tx")
	}
	defer tx.Rollback()

	device, created, err := r.selectDevice(tx, n, ts)
	if err != nil {
		return Outcome{}, err
	}

	r.applyObservation(device, n, ts)
	if err := r.persistDevice(tx, device, n, ts); err != nil {
		return Outcome{}, err
	}

	merged, err := r.applyMergeWindow(tx, device, n, ts)
	if err != nil {
		return Outcome{}, err
	}
	if merged != nil && merged.To != device.DeviceID {
		// This device lost the merge; the survivor carries the identity.
		device, err = r.getDevice(tx, merged.To)
		if err != nil {
			return Outcome{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, fault.Wrap(fault.TransientIO, err, "commit registry tx")
	}

	if created {
		r.logger.WithFields(log.Fields{"device_id": device.DeviceID, "confidence": device.Meta.Confidence}).
			Debug("new device")
	}
	return Outcome{
		Seen: Seen{
			DeviceID:   device.DeviceID,
			Confidence: device.Meta.Confidence,
			Candidate:  device.Meta.Candidate,
			FpStable:   n.FpStable,
			FpAddr:     n.FpAddr,
		},
		Merged: merged,
	}, nil
}

// selectDevice scores the candidate pool and either attaches or creates.
func (r *Registry) selectDevice(tx *sql.Tx, n norm, ts int64) (*Device, bool, error) {
	candidates, err := r.pullCandidates(tx, n)
	if err != nil {
		return nil, false, err
	}

	var best *Device
	bestScore := -1 << 30
	for _, cand := range candidates {
		s := score(cand, n)
		if s > bestScore || (s == bestScore && best != nil && cand.CreatedTs < best.CreatedTs) {
			best, bestScore = cand, s
		}
	}

	if best != nil && bestScore >= thresholdCandidate {
		best.Meta.Candidate = bestScore < thresholdAttach
		if bestScore > best.Meta.Confidence {
			best.Meta.Confidence = clampScore(bestScore)
		}
		return best, false, nil
	}

	// No credible candidate: mint a new identity from the primary print.
	confidence := confidenceAddr
	if n.FpStable != "" {
		confidence = confidenceStable
	}
	return &Device{
		DeviceID:   DeviceIDFor(n.Primary),
		PrimaryFp:  n.Primary,
		CreatedTs:  ts,
		LastSeenTs: ts,
		Meta:       Meta{Confidence: confidence},
	}, true, nil
}

// pullCandidates collects devices reachable via either fingerprint or the
// company-id alias index.
func (r *Registry) pullCandidates(tx *sql.Tx, n norm) (map[string]*Device, error) {
	ids := map[string]struct{}{}

	for _, fp := range []string{n.FpStable, n.FpAddr} {
		if fp == "" {
			continue
		}
		var id string
		err := tx.QueryRow(`SELECT device_id FROM ble_fps WHERE fp = ?`, fp).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fault.Wrap(fault.TransientIO, err, "lookup fingerprint")
		}
		ids[id] = struct{}{}
	}

	if n.CompanyID != "" {
		rows, err := tx.Query(
			`SELECT device_id FROM ble_aliases WHERE company_id_last = ? LIMIT 64`, n.CompanyID)
		if err != nil {
			return nil, fault.Wrap(fault.TransientIO, err, "lookup company index")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fault.Wrap(fault.TransientIO, err, "scan company index")
			}
			ids[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fault.Wrap(fault.TransientIO, err, "iterate company index")
		}
	}

	devices := make(map[string]*Device, len(ids))
	for id := range ids {
		d, err := r.getDevice(tx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			devices[id] = d
		}
	}
	return devices, nil
}

// score applies the fixed candidate weights.
func score(cand *Device, n norm) int {
	s := 0

	if n.FpStable != "" && cand.Meta.FpStable == n.FpStable {
		s += scoreFpStableMatch
	}

	switch overlap := serviceOverlap(cand.Meta.Services, n.Services); {
	case overlap >= 0.5:
		s += scoreServiceOverlap
	case overlap == 0 && len(cand.Meta.Services) > 0 && len(n.Services) > 0:
		s += scoreServiceDisjoint
	}

	if n.CompanyID != "" && cand.Meta.CompanyID != "" {
		if cand.Meta.CompanyID == n.CompanyID {
			if n.MfgMasked != "" && cand.Meta.MfgMasked == n.MfgMasked {
				s += scoreCompanyAndMask
			}
		} else {
			s += scoreCompanyMismatch
		}
	}

	if n.NameNorm != "" && cand.Meta.NameNorm == n.NameNorm {
		s += scoreSameName
	}

	if n.AddrType == "public" && contains(cand.Meta.AddrPublicSet, n.Addr) {
		s += scorePublicAddr
	}
	return s
}

// serviceOverlap is the Jaccard ratio of the two service sets.
func serviceOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	for _, s := range b {
		if _, ok := set[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// applyObservation folds the normalized sighting into device meta.
func (r *Registry) applyObservation(d *Device, n norm, ts int64) {
	d.Meta.Services = unionSorted(d.Meta.Services, n.Services)
	d.Meta.AddrSet = unionSorted(d.Meta.AddrSet, []string{n.Addr})
	if n.AddrType == "public" {
		d.Meta.AddrPublicSet = unionSorted(d.Meta.AddrPublicSet, []string{n.Addr})
	}
	if n.ScannerID != "" {
		d.Meta.Scanners = unionSorted(d.Meta.Scanners, []string{n.ScannerID})
	}
	if n.NameNorm != "" {
		d.Meta.NameNorm = n.NameNorm
	}
	if n.CompanyID != "" {
		d.Meta.CompanyID = n.CompanyID
	}
	if n.MfgMasked != "" {
		d.Meta.MfgMasked = n.MfgMasked
	}
	if n.FpStable != "" {
		d.Meta.FpStable = n.FpStable
	}
	d.Meta.FpAddr = n.FpAddr
	d.Meta.LastAddr = n.Addr
	d.Meta.LastAddrType = n.AddrType
	if ts > d.LastSeenTs {
		d.LastSeenTs = ts
	}
}

// persistDevice upserts the device row, both fingerprint rows, and the alias
// row inside the open transaction.
func (r *Registry) persistDevice(tx *sql.Tx, d *Device, n norm, ts int64) error {
	metaJSON, err := json.Marshal(d.Meta)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "marshal device meta")
	}
	_, err = tx.Exec(`
		INSERT INTO ble_devices (device_id, primary_fp, created_ts, last_seen_ts, meta_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_seen_ts = excluded.last_seen_ts,
			meta_json    = excluded.meta_json`,
		d.DeviceID, d.PrimaryFp, d.CreatedTs, d.LastSeenTs, string(metaJSON))
	if err != nil {
		return fault.Wrap(fault.TransientIO, err, "upsert device")
	}

	for fp, kind := range map[string]string{n.FpStable: "stable", n.FpAddr: "addr"} {
		if fp == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO ble_fps (fp, device_id, kind, created_ts)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(fp) DO UPDATE SET device_id = excluded.device_id`,
			fp, d.DeviceID, kind, ts); err != nil {
			return fault.Wrap(fault.TransientIO, err, "upsert fingerprint")
		}
	}

	_, err = tx.Exec(`
		INSERT INTO ble_aliases (device_id, addr_last, name_last, company_id_last, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			addr_last       = excluded.addr_last,
			name_last       = excluded.name_last,
			company_id_last = excluded.company_id_last,
			updated_ts      = excluded.updated_ts`,
		d.DeviceID, n.Addr, d.Meta.NameNorm, d.Meta.CompanyID, ts)
	if err != nil {
		return fault.Wrap(fault.TransientIO, err, "upsert alias")
	}
	return nil
}

// ============================================================================
// MERGE WINDOW
// ============================================================================

// applyMergeWindow checks the short-lived signal map for a second device
// answering to the same stable key and collapses the pair when found.
func (r *Registry) applyMergeWindow(tx *sql.Tx, d *Device, n norm, ts int64) (*Merged, error) {
	var keys []string
	if n.FpStable != "" {
		keys = append(keys, "stable:"+n.FpStable)
	}
	if n.CompanyID != "" && n.MfgMasked != "" {
		keys = append(keys, "mfg:"+n.CompanyID+":"+n.MfgMasked)
	}

	current := d.DeviceID
	var merged *Merged
	for _, key := range keys {
		prev, ok := r.signals.Get(key)
		if ok && prev.DeviceID != current {
			winner, loser, err := r.merge(tx, prev.DeviceID, current)
			if err != nil {
				return nil, err
			}
			merged = &Merged{From: loser, To: winner, Reason: "merge-window:" + key}
			r.logger.WithFields(log.Fields{"from": loser, "to": winner, "key": key}).
				Info("merge window collapse")
			current = winner
		}
		r.signals.Add(key, signal{DeviceID: current, TsMs: ts})
	}
	return merged, nil
}

// merge folds the younger device into the older one. The winner keeps its
// created_ts; every fingerprint row is rewritten so nothing resolves to the
// loser afterwards.
func (r *Registry) merge(tx *sql.Tx, aID, bID string) (winnerID, loserID string, err error) {
	a, err := r.getDevice(tx, aID)
	if err != nil {
		return "", "", err
	}
	b, err := r.getDevice(tx, bID)
	if err != nil {
		return "", "", err
	}
	if a == nil || b == nil {
		// One side already collapsed in an earlier merge; nothing to do.
		if a != nil {
			return a.DeviceID, bID, nil
		}
		if b != nil {
			return b.DeviceID, aID, nil
		}
		return aID, bID, nil
	}

	winner, loser := a, b
	if b.CreatedTs < a.CreatedTs || (b.CreatedTs == a.CreatedTs && b.DeviceID < a.DeviceID) {
		winner, loser = b, a
	}

	winner.Meta.Services = unionSorted(winner.Meta.Services, loser.Meta.Services)
	winner.Meta.AddrSet = unionSorted(winner.Meta.AddrSet, loser.Meta.AddrSet)
	winner.Meta.AddrPublicSet = unionSorted(winner.Meta.AddrPublicSet, loser.Meta.AddrPublicSet)
	winner.Meta.Scanners = unionSorted(winner.Meta.Scanners, loser.Meta.Scanners)
	if winner.Meta.FpStable == "" {
		winner.Meta.FpStable = loser.Meta.FpStable
	}
	if winner.Meta.NameNorm == "" {
		winner.Meta.NameNorm = loser.Meta.NameNorm
	}
	if winner.Meta.CompanyID == "" {
		winner.Meta.CompanyID = loser.Meta.CompanyID
		winner.Meta.MfgMasked = loser.Meta.MfgMasked
	}
	if loser.Meta.Confidence > winner.Meta.Confidence {
		winner.Meta.Confidence = loser.Meta.Confidence
	}
	winner.Meta.Candidate = winner.Meta.Candidate && loser.Meta.Candidate
	if loser.LastSeenTs > winner.LastSeenTs {
		winner.LastSeenTs = loser.LastSeenTs
	}

	metaJSON, err := json.Marshal(winner.Meta)
	if err != nil {
		return "", "", fault.Wrap(fault.Internal, err, "marshal merged meta")
	}
	if _, err := tx.Exec(`UPDATE ble_devices SET meta_json = ?, last_seen_ts = ? WHERE device_id = ?`,
		string(metaJSON), winner.LastSeenTs, winner.DeviceID); err != nil {
		return "", "", fault.Wrap(fault.TransientIO, err, "update merge winner")
	}
	if _, err := tx.Exec(`UPDATE ble_fps SET device_id = ? WHERE device_id = ?`,
		winner.DeviceID, loser.DeviceID); err != nil {
		return "", "", fault.Wrap(fault.TransientIO, err, "rewrite fingerprints")
	}
	if _, err := tx.Exec(`DELETE FROM ble_devices WHERE device_id = ?`, loser.DeviceID); err != nil {
		return "", "", fault.Wrap(fault.TransientIO, err, "delete merge loser")
	}
	if _, err := tx.Exec(`DELETE FROM ble_aliases WHERE device_id = ?`, loser.DeviceID); err != nil {
		return "", "", fault.Wrap(fault.TransientIO, err, "delete loser alias")
	}
	return winner.DeviceID, loser.DeviceID, nil
}

// ============================================================================
// ROW HELPERS
// ============================================================================

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (r *Registry) getDevice(q querier, deviceID string) (*Device, error) {
	var (
		d        Device
		metaJSON string
	)
	err := q.QueryRow(`
		SELECT device_id, primary_fp, created_ts, last_seen_ts, meta_json
		FROM ble_devices WHERE device_id = ?`, deviceID).
		Scan(&d.DeviceID, &d.PrimaryFp, &d.CreatedTs, &d.LastSeenTs, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "load device %s", deviceID)
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Meta); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode device meta %s", deviceID)
	}
	return &d, nil
}

func unionSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clampScore(s int) int {
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}
