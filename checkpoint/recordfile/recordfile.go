// Package recordfile implements the on-disk event record log the Replayer
// reads back: a header line naming the game and its base checkpoint,
// followed by one base64-encoded JSON line per event applied since that
// checkpoint. Records carry no length prefix; each line is written and
// fsync'd whole, so a partial write at the tail (a crash mid-append) fails
// to decode and is dropped by ReadAll rather than corrupting the stream.
package recordfile

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/racehost/transactor/gamectx"

	"github.com/racehost/transactor/errkind"
)

// Header is the first record in a record file, identifying the game and
// the checkpoint the following events are layered on top of.
type Header struct {
	GameID        uint64 `json:"game_id"`
	BundleAddr    string `json:"bundle_addr"`
	BaseSettleVer uint64 `json:"base_settle_version"`
	BaseAccessVer uint64 `json:"base_access_version"`
}

// Record is one logged event, numbered sequentially from the header so a
// reader can detect a gap left by a crash between fsync and the next
// append.
type Record struct {
	Seq   uint64        `json:"seq"`
	Event gamectx.Event `json:"event"`
}

// Writer appends Header/Record lines to a file, fsync'ing after every
// write so a crash can lose at most the in-flight line, never a
// previously acknowledged one.
type Writer struct {
	f   *os.File
	seq uint64
}

// Create opens path for append-only writing and writes hdr as the first
// line. Fails if path already exists: a record file is written by exactly
// one Writer and never reopened for append. Its records run from the
// checkpoint named in hdr through every later event, across later
// checkpoints as well.
func Create(path string, hdr Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "recordfile: create %q: %v", path, err)
	}
	w := &Writer{f: f}
	if err := w.writeLine(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Append writes ev as the next sequential Record and fsyncs.
func (w *Writer) Append(ev gamectx.Event) error {
	w.seq++
	return w.writeLine(Record{Seq: w.seq, Event: ev})
}

func (w *Writer) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("recordfile: encode: %w", err)
	}
	line := base64.StdEncoding.EncodeToString(b) + "\n"
	if _, err := w.f.WriteString(line); err != nil {
		return errkind.Wrap(errkind.Storage, "recordfile: write: %v", err)
	}
	if err := w.f.Sync(); err != nil {
		return errkind.Wrap(errkind.Storage, "recordfile: fsync: %v", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// ReadAll reads path's header and every well-formed trailing record. A
// truncated final line (half-written when the process died) is dropped
// silently rather than erroring, since that is the one kind of corruption
// Create/Append's fsync-per-line discipline guarantees can occur.
func ReadAll(path string) (Header, []Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, errkind.Wrap(errkind.Storage, "recordfile: open %q: %v", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return Header{}, nil, errkind.Wrap(errkind.Integrity, "recordfile: %q has no header", path)
	}
	var hdr Header
	if err := decodeLine(scanner.Bytes(), &hdr); err != nil {
		return Header{}, nil, err
	}

	var records []Record
	for scanner.Scan() {
		var rec Record
		if err := decodeLine(scanner.Bytes(), &rec); err != nil {
			break
		}
		records = append(records, rec)
	}
	return hdr, records, nil
}

func decodeLine(line []byte, v any) error {
	b, err := base64.StdEncoding.DecodeString(string(line))
	if err != nil {
		return fmt.Errorf("recordfile: decode base64: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("recordfile: decode json: %w", err)
	}
	return nil
}
