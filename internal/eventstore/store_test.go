package eventstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

func testEvent(typ string) envelope.Event {
	return envelope.New(typ, "test-node", map[string]interface{}{"n": 1})
}

func TestAppendCreatesDayFile(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	path, err := store.Append(testEvent("control.god_button.intent"))
	require.NoError(t, err)

	day := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, DayPath(root, day), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"type":"control.god_button.intent"`)
}

func TestAppendIsOneLinePerEvent(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := store.Append(testEvent("ble.observation"))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(n), store.Appended())

	day := time.Now().UTC().Format("2006-01-02")
	raw, err := os.ReadFile(DayPath(root, day))
	require.NoError(t, err)
	assert.Equal(t, n, strings.Count(string(raw), "\n"))
}

func TestAppendRejectsInvalidEnvelope(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Append(envelope.Event{Src: "x", TsMs: 1, Data: map[string]interface{}{}})
	require.Error(t, err)
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))
	assert.Equal(t, uint64(0), store.Appended())
}

func TestDaysListing(t *testing.T) {
	root := t.TempDir()
	for _, day := range []string{"2024-03-02", "2024-03-01", "2024-03-10"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "events", day), 0o755))
	}
	// Noise that must not be listed as a day.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "events", "tmp"), 0o755))

	days, err := Days(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-01", "2024-03-02", "2024-03-10"}, days)

	empty, err := Days(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDaysBetween(t *testing.T) {
	from := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 3, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"2024-03-03", "2024-03-02", "2024-03-01"}, DaysBetween(from, to))

	same := time.Date(2024, 3, 3, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"2024-03-03"}, DaysBetween(same, same))
}

func TestTailFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.ndjson")

	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(`{"type":"ble.observation","src":"s1","ts_ms":1700000000000,"data":{"i":`)
		b.WriteByte(byte('0' + i))
		b.WriteString("}}\n")
	}
	b.WriteString("{this is not json}\n")
	b.WriteString(`{"type":"","src":"s1","ts_ms":5,"data":{}}` + "\n") // valid JSON, invalid envelope
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	res, err := TailFile(path, 100)
	require.NoError(t, err)
	assert.Len(t, res.Events, 10)
	assert.Equal(t, 2, res.Malformed)
}

func TestTailFileHonorsMaxLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.ndjson")

	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString(`{"type":"t.x","src":"s","ts_ms":1700000000000,"data":{"i":` +
			strings.Repeat("9", 1+i%5) + `}}` + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	res, err := TailFile(path, 40)
	require.NoError(t, err)
	assert.Len(t, res.Events, 40)
	assert.Zero(t, res.Malformed)
}

func TestTailFilePartialLastLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.ndjson")
	content := `{"type":"t.x","src":"s","ts_ms":1,"data":{}}` + "\n" +
		`{"type":"t.y","src":"s","ts_ms":2,"da` // writer caught mid-append
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	res, err := TailFile(path, 10)
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
	assert.Equal(t, 1, res.Malformed)
}

func TestTailFileMissingIsEmpty(t *testing.T) {
	res, err := TailFile(filepath.Join(t.TempDir(), "absent.ndjson"), 10)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Zero(t, res.Malformed)
}

func BenchmarkAppend(b *testing.B) {
	store, err := Open(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	ev := testEvent("bench.event")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Append(ev); err != nil {
			b.Fatal(err)
		}
	}
}
