// Package feed is the read side of the plane: it tails the event store
// (locally or over SSH), filters by time, type, and source, and reassembles
// per-request traces. Reads are bounded everywhere — window, tail lines,
// per-file lines — so a curious operator cannot make the reader swallow a
// month of NDJSON.
package feed

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fieldlab/labplane/internal/envelope"
)

// Query caps.
const (
	MaxLimit     = 500
	MaxWindow    = 24 * time.Hour
	MaxTailLines = 8000
	MaxPerFile   = 400
)

// Reader abstracts where the day files live: local disk, plain SSH, or the
// guarded executor.
type Reader interface {
	// TailDay returns up to maxLines decoded events off the end of one UTC
	// day file, in file order. Missing days are empty, not errors.
	TailDay(ctx context.Context, day string, maxLines int) (TailPage, error)
	// Days lists the day partitions, oldest first.
	Days(ctx context.Context) ([]string, error)
	// Mode names the reader for health output.
	Mode() string
}

// TailPage is one day's decoded tail.
type TailPage struct {
	Events    []envelope.Event
	Malformed int
}

// EventsQuery filters /events.
type EventsQuery struct {
	Limit      int
	SinceMs    int64
	TypePrefix string
	Src        string
}

// EventsResult is the /events payload.
type EventsResult struct {
	Events    []envelope.Event `json:"events"`
	Count     int              `json:"count"`
	Malformed int              `json:"malformed_lines_skipped"`
}

// TraceResult is the /trace payload.
type TraceResult struct {
	RequestID string           `json:"request_id"`
	Events    []envelope.Event `json:"events"`
	Count     int              `json:"count"`
	Scanned   int              `json:"scanned"`
	Malformed int              `json:"malformed_lines_skipped"`
}

// NodeInfo aggregates one source.
type NodeInfo struct {
	Src        string         `json:"src"`
	Alias      string         `json:"alias,omitempty"`
	LastSeenMs int64          `json:"last_seen_ms"`
	Counts     map[string]int `json:"counts"`
}

// Engine runs bounded queries against a Reader.
type Engine struct {
	reader Reader
	now    func() time.Time // test hook
}

// NewEngine wraps a reader.
func NewEngine(r Reader) *Engine {
	return &Engine{reader: r, now: time.Now}
}

// Reader exposes the underlying reader for health output.
func (e *Engine) Reader() Reader { return e.reader }

// ============================================================================
// /events
// ============================================================================

// Events returns the newest matching events, newest first.
func (e *Engine) Events(ctx context.Context, q EventsQuery) (EventsResult, error) {
	if q.Limit <= 0 || q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	since := e.clampSince(q.SinceMs)

	var res EventsResult
	scanned := 0
	for _, day := range e.daysNewestFirst(since) {
		if scanned >= MaxTailLines || len(res.Events) >= q.Limit {
			break
		}
		perFile := MaxPerFile
		if remain := MaxTailLines - scanned; remain < perFile {
			perFile = remain
		}
		page, err := e.reader.TailDay(ctx, day, perFile)
		if err != nil {
			return res, err
		}
		scanned += len(page.Events) + page.Malformed
		res.Malformed += page.Malformed

		for i := len(page.Events) - 1; i >= 0; i-- { // newest first within the day
			ev := page.Events[i]
			if !matches(ev, since, q.TypePrefix, q.Src) {
				continue
			}
			res.Events = append(res.Events, ev)
			if len(res.Events) >= q.Limit {
				break
			}
		}
	}

	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].TsMs > res.Events[j].TsMs
	})
	res.Count = len(res.Events)
	return res, nil
}

func matches(ev envelope.Event, since int64, typePrefix, src string) bool {
	if ev.TsMs < since {
		return false
	}
	if typePrefix != "" && !strings.HasPrefix(ev.Type, typePrefix) {
		return false
	}
	if src != "" && ev.Src != src {
		return false
	}
	return true
}

// ============================================================================
// /trace
// ============================================================================

// Trace scans recent events and returns those carrying the request id.
func (e *Engine) Trace(ctx context.Context, requestID string, sinceMs int64, limit, scanLimit int) (TraceResult, error) {
	res := TraceResult{RequestID: requestID}
	if requestID == "" {
		return res, nil
	}
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	if scanLimit <= 0 || scanLimit > MaxTailLines {
		scanLimit = MaxTailLines
	}
	since := e.clampSince(sinceMs)

	for _, day := range e.daysNewestFirst(since) {
		if res.Scanned >= scanLimit || len(res.Events) >= limit {
			break
		}
		perFile := MaxPerFile
		if remain := scanLimit - res.Scanned; remain < perFile {
			perFile = remain
		}
		page, err := e.reader.TailDay(ctx, day, perFile)
		if err != nil {
			return res, err
		}
		res.Scanned += len(page.Events) + page.Malformed
		res.Malformed += page.Malformed

		for _, ev := range page.Events {
			if ev.TsMs < since {
				continue
			}
			if ev.RequestID() == requestID {
				res.Events = append(res.Events, ev)
			}
		}
	}

	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].TsMs < res.Events[j].TsMs // traces read forward
	})
	if len(res.Events) > limit {
		res.Events = res.Events[:limit]
	}
	res.Count = len(res.Events)
	return res, nil
}

// ============================================================================
// /nodes
// ============================================================================

// Nodes aggregates per-source activity inside the window.
func (e *Engine) Nodes(ctx context.Context, windowS int) ([]NodeInfo, error) {
	window := time.Duration(windowS) * time.Second
	if window <= 0 || window > MaxWindow {
		window = MaxWindow
	}
	since := e.now().Add(-window).UnixMilli()

	byNode := map[string]*NodeInfo{}
	scanned := 0
	for _, day := range e.daysNewestFirst(since) {
		if scanned >= MaxTailLines {
			break
		}
		page, err := e.reader.TailDay(ctx, day, MaxPerFile)
		if err != nil {
			return nil, err
		}
		scanned += len(page.Events) + page.Malformed

		for _, ev := range page.Events {
			if ev.TsMs < since {
				continue
			}
			info, ok := byNode[ev.Src]
			if !ok {
				info = &NodeInfo{Src: ev.Src, Counts: map[string]int{}}
				byNode[ev.Src] = info
			}
			if ev.TsMs > info.LastSeenMs {
				info.LastSeenMs = ev.TsMs
			}
			info.Counts[typeHead(ev.Type)]++
		}
	}

	out := make([]NodeInfo, 0, len(byNode))
	for _, info := range byNode {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Src < out[j].Src })
	return out, nil
}

func typeHead(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// ============================================================================
// SHARED
// ============================================================================

// clampSince applies the 24 h window cap.
func (e *Engine) clampSince(sinceMs int64) int64 {
	floor := e.now().Add(-MaxWindow).UnixMilli()
	if sinceMs < floor {
		return floor
	}
	return sinceMs
}

// daysNewestFirst lists the UTC days covering [since, now], newest first.
func (e *Engine) daysNewestFirst(sinceMs int64) []string {
	from := time.UnixMilli(sinceMs).UTC()
	to := e.now().UTC()
	var days []string
	for d := to.Truncate(24 * time.Hour); !d.Before(from.Truncate(24 * time.Hour)); d = d.AddDate(0, 0, -1) {
		days = append(days, d.Format("2006-01-02"))
	}
	return days
}
