package eventstore

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

// tailChunk is the block size for the backwards scan. Day files can run to
// hundreds of megabytes, so the reader never loads a whole file.
const tailChunk = 64 * 1024

// TailResult carries the decoded tail of one day file, in file order.
type TailResult struct {
	Events    []envelope.Event
	Malformed int // parse failures counted, skipped, never fatal
}

// TailFile reads up to maxLines lines off the end of an NDJSON file and
// decodes them. A trailing partial line (a writer mid-append) counts as
// malformed. A missing file is an empty tail, not an error.
func TailFile(path string, maxLines int) (TailResult, error) {
	var res TailResult
	if maxLines <= 0 {
		return res, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fault.Wrap(fault.TransientIO, err, "open %s", path)
	}
	defer f.Close()

	raw, err := tailBytes(f, maxLines)
	if err != nil {
		return res, fault.Wrap(fault.TransientIO, err, "tail %s", path)
	}
	return DecodeLines(raw), nil
}

// tailBytes returns the raw bytes of the last maxLines lines. It walks the
// file backwards chunk by chunk and stops once enough newlines have passed.
func tailBytes(f *os.File, maxLines int) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var (
		buf      []byte
		off      = size
		newlines int
	)
	for off > 0 && newlines <= maxLines {
		n := int64(tailChunk)
		if off < n {
			n = off
		}
		off -= n
		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, off); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(chunk, buf...)
		newlines = bytes.Count(buf, []byte{'\n'})
	}

	lines := bytes.Split(buf, []byte{'\n'})
	// Drop the empty slice after a final newline; keep a genuine partial tail
	// so DecodeLines can count it as malformed.
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	if off > 0 && len(lines) > 0 {
		// First line is a fragment from an unread earlier chunk.
		lines = lines[1:]
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return bytes.Join(lines, []byte{'\n'}), nil
}

// DecodeLines parses NDJSON bytes into envelopes, counting malformed lines.
// A line is malformed when it fails to parse or misses a required field.
func DecodeLines(raw []byte) TailResult {
	var res TailResult
	if len(raw) == 0 {
		return res
	}
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev envelope.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			res.Malformed++
			continue
		}
		if ev.Validate() != nil {
			res.Malformed++
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res
}
