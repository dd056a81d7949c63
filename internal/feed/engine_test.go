package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/eventstore"
)

// fakeReader serves canned day pages.
type fakeReader struct {
	pages map[string]TailPage
	days  []string
}

func (f *fakeReader) TailDay(ctx context.Context, day string, maxLines int) (TailPage, error) {
	page := f.pages[day]
	if len(page.Events) > maxLines {
		page.Events = page.Events[len(page.Events)-maxLines:]
	}
	return page, nil
}
func (f *fakeReader) Days(ctx context.Context) ([]string, error) { return f.days, nil }
func (f *fakeReader) Mode() string                               { return "fake" }

var engineClock = time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)

func ms(offset time.Duration) int64 { return engineClock.Add(offset).UnixMilli() }

func ev(eventType, src string, tsMs int64, data map[string]interface{}) envelope.Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return envelope.Event{Type: eventType, Src: src, TsMs: tsMs, Data: data}
}

func newTestEngine() *Engine {
	today := engineClock.Format("2006-01-02")
	yesterday := engineClock.AddDate(0, 0, -1).Format("2006-01-02")
	r := &fakeReader{
		days: []string{yesterday, today},
		pages: map[string]TailPage{
			yesterday: {Events: []envelope.Event{
				ev("node.health.snapshot", "pi-01", ms(-20*time.Hour), nil),
				ev("agent.exec.result", "pi-02", ms(-19*time.Hour),
					map[string]interface{}{"request_id": "req-x"}),
			}},
			today: {
				Events: []envelope.Event{
					ev("control.god_button.intent", "godgw", ms(-2*time.Hour),
						map[string]interface{}{"request_id": "req-x"}),
					ev("agent.exec.intent", "pi-01", ms(-90*time.Minute),
						map[string]interface{}{"request_id": "req-x"}),
					ev("agent.exec.result", "pi-01", ms(-89*time.Minute),
						map[string]interface{}{"request_id": "req-x"}),
					ev("node.health.snapshot", "mac-01", ms(-10*time.Minute), nil),
				},
				Malformed: 2,
			},
		},
	}
	e := NewEngine(r)
	e.now = func() time.Time { return engineClock }
	return e
}

func TestEventsNewestFirst(t *testing.T) {
	e := newTestEngine()

	res, err := e.Events(context.Background(), EventsQuery{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 6, res.Count)
	assert.Equal(t, 2, res.Malformed)
	for i := 1; i < len(res.Events); i++ {
		assert.GreaterOrEqual(t, res.Events[i-1].TsMs, res.Events[i].TsMs, "order must be newest first")
	}
	assert.Equal(t, "node.health.snapshot", res.Events[0].Type)
	assert.Equal(t, "mac-01", res.Events[0].Src)
}

func TestEventsTypePrefixFilter(t *testing.T) {
	e := newTestEngine()

	res, err := e.Events(context.Background(), EventsQuery{TypePrefix: "agent.exec"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	for _, ev := range res.Events {
		assert.Contains(t, ev.Type, "agent.exec")
	}
}

func TestEventsSrcFilter(t *testing.T) {
	e := newTestEngine()

	res, err := e.Events(context.Background(), EventsQuery{Src: "pi-01"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
}

func TestEventsSinceFilter(t *testing.T) {
	e := newTestEngine()

	res, err := e.Events(context.Background(), EventsQuery{SinceMs: ms(-3 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count, "yesterday's events fall outside since")
}

func TestEventsLimit(t *testing.T) {
	e := newTestEngine()

	res, err := e.Events(context.Background(), EventsQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "mac-01", res.Events[0].Src, "the newest two win")
}

func TestTraceMatchesTopLevelRequestID(t *testing.T) {
	// Some producers correlate beside the fixed envelope fields instead of
	// inside data; the trace must stitch both shapes together.
	today := engineClock.Format("2006-01-02")
	rootEv := ev("control.god_button.intent", "godgw", ms(-time.Hour), nil)
	rootEv.RootRequestID = "req-root-1"
	r := &fakeReader{
		days: []string{today},
		pages: map[string]TailPage{today: {Events: []envelope.Event{
			rootEv,
			ev("agent.exec.result", "pi-01", ms(-50*time.Minute),
				map[string]interface{}{"request_id": "req-root-1"}),
		}}},
	}
	e := NewEngine(r)
	e.now = func() time.Time { return engineClock }

	res, err := e.Trace(context.Background(), "req-root-1", 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	assert.Equal(t, "control.god_button.intent", res.Events[0].Type)
}

func TestTraceForwardOrderAcrossDays(t *testing.T) {
	e := newTestEngine()

	res, err := e.Trace(context.Background(), "req-x", 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 4, res.Count)
	for i := 1; i < len(res.Events); i++ {
		assert.LessOrEqual(t, res.Events[i-1].TsMs, res.Events[i].TsMs, "traces read forward")
	}
	assert.Equal(t, "agent.exec.result", res.Events[0].Type, "yesterday's event leads")
	assert.Greater(t, res.Scanned, res.Count)
}

func TestTraceUnknownIDEmpty(t *testing.T) {
	e := newTestEngine()

	res, err := e.Trace(context.Background(), "req-nope", 0, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Empty(t, res.Events)
}

func TestNodesAggregates(t *testing.T) {
	e := newTestEngine()

	nodes, err := e.Nodes(context.Background(), 24*3600)
	require.NoError(t, err)
	require.Len(t, nodes, 4) // godgw, mac-01, pi-01, pi-02

	byName := map[string]NodeInfo{}
	for _, n := range nodes {
		byName[n.Src] = n
	}
	pi01 := byName["pi-01"]
	assert.Equal(t, ms(-89*time.Minute), pi01.LastSeenMs)
	assert.Equal(t, 2, pi01.Counts["agent"])
	assert.Equal(t, 1, pi01.Counts["node"])
}

func TestNodesWindow(t *testing.T) {
	e := newTestEngine()

	nodes, err := e.Nodes(context.Background(), 3600)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "only mac-01 is inside the last hour")
	assert.Equal(t, "mac-01", nodes[0].Src)
}

// ============================================================================
// LOCAL READER
// ============================================================================

func TestLocalReaderRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := eventstore.Open(root)
	require.NoError(t, err)
	defer store.Close()

	written := envelope.New("node.health.snapshot", "pi-09", map[string]interface{}{"ok": true})
	_, err = store.Append(written)
	require.NoError(t, err)

	r := NewLocalReader(root)
	assert.Equal(t, ModeLocal, r.Mode())

	days, err := r.Days(context.Background())
	require.NoError(t, err)
	require.Len(t, days, 1)

	page, err := r.TailDay(context.Background(), days[0], 100)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "pi-09", page.Events[0].Src)
}

func TestLocalReaderMissingDayIsEmpty(t *testing.T) {
	r := NewLocalReader(t.TempDir())
	page, err := r.TailDay(context.Background(), "2020-01-01", 100)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
}
