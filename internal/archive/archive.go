// Package archive writes compact, append-only snapshots of trading state
// and recent executions to a binary archival log, independent of the
// canonical JSON primary/backup files in internal/persistence. Records
// are encoded with vmihailenco/msgpack/v5's Marshal/Unmarshal and framed
// as a length-prefixed stream over a plain file, used for cold off-site
// retention.
package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/apex-trader/internal/persistence"
	"github.com/aristath/apex-trader/internal/tradelog"
)

// Snapshot is one archived record: a point-in-time trading state plus
// whatever trade-log entries have accumulated since the previous
// snapshot.
type Snapshot struct {
	ArchiveID    string               `msgpack:"archive_id"`
	TakenAtMS    int64                `msgpack:"taken_at_ms"`
	State        persistence.TradingState `msgpack:"state"`
	TradeRecords []tradelog.Record    `msgpack:"trade_records"`
}

// Writer appends msgpack-encoded, length-prefixed Snapshots to an
// underlying file.
type Writer struct {
	f   *os.File
	w   *bufio.Writer
	log zerolog.Logger
}

// Open opens (creating if necessary) the archival log at path for
// appending.
func Open(path string, log zerolog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive log: %w", err)
	}
	return &Writer{
		f:   f,
		w:   bufio.NewWriter(f),
		log: log.With().Str("component", "archive").Logger(),
	}, nil
}

// Append encodes state and records as one Snapshot, assigning it a
// fresh archive ID, and writes it as a length-prefixed msgpack frame.
func (w *Writer) Append(state persistence.TradingState, records []tradelog.Record, now time.Time) (string, error) {
	snap := Snapshot{
		ArchiveID:    uuid.New().String(),
		TakenAtMS:    now.UnixMilli(),
		State:        state,
		TradeRecords: records,
	}

	data, err := msgpack.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.w.Write(lenPrefix[:]); err != nil {
		return "", fmt.Errorf("write snapshot length: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	w.log.Debug().Str("archive_id", snap.ArchiveID).Int("trade_records", len(records)).Msg("archived snapshot")
	return snap.ArchiveID, nil
}

// Flush flushes buffered writes to disk.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadAll decodes every length-prefixed Snapshot frame from r, in the
// order written.
func ReadAll(r io.Reader) ([]Snapshot, error) {
	br := bufio.NewReader(r)
	var snapshots []Snapshot

	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(br, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read snapshot length: %w", err)
		}

		size := binary.BigEndian.Uint32(lenPrefix[:])
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read snapshot body: %w", err)
		}

		var snap Snapshot
		if err := msgpack.Unmarshal(buf, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// ReadFile opens and decodes an entire archival log file.
func ReadFile(path string) ([]Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}
