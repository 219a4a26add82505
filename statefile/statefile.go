// ABOUTME: Crash-safe state file for the pending-message queue across restarts.
// ABOUTME: Version tag plus length/payload/magic records; truncated tails are tolerated.

package statefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gridwork/acctrelay/wire"
)

const (
	// versionTag identifies the file format. Older tags remain loadable;
	// the per-record frame version handles message-level upgrades.
	versionTag = "ACCTRELAY1"

	// recordMagic trails every record. A record is valid only if its
	// trailing magic matches; a missing or partial trailer marks the
	// crash-truncated tail of the file.
	recordMagic uint32 = 0xACC13220

	// maxRecordLen rejects absurd length prefixes from a corrupt file
	// before any allocation happens.
	maxRecordLen = 64 << 20
)

// Save atomically rewrites the state file with the given messages, in
// order. Messages of non-persistable kinds (the registration handshake)
// are skipped. The file is written to a temp file in the same directory
// and renamed into place so a crash mid-save leaves the previous file
// intact.
func Save(path string, msgs []*wire.PendingMessage, logger *slog.Logger) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".acctrelay-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeAll(tmp, msgs, logger); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func writeAll(w io.Writer, msgs []*wire.PendingMessage, logger *slog.Logger) error {
	if err := writeChunk(w, []byte(versionTag)); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	written, skipped := 0, 0
	for _, m := range msgs {
		if !m.MsgKind.Persistable() {
			skipped++
			continue
		}
		if err := writeChunk(w, m.Frame); err != nil {
			return fmt.Errorf("writing record %d: %w", written, err)
		}
		if err := binary.Write(w, binary.BigEndian, recordMagic); err != nil {
			return fmt.Errorf("writing record %d trailer: %w", written, err)
		}
		written++
	}
	logger.Info("persisted pending messages",
		"written", written,
		"skipped_non_persistable", skipped,
	)
	return nil
}

func writeChunk(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// Load reads the state file back into pending messages, preserving order.
// A missing file yields an empty queue. Truncated trailing records (a
// partial write at crash time) are silently discarded. Frames persisted by
// an older build are re-encoded to the current protocol version. Load
// never fails the startup path for content problems; it returns an error
// only for IO failures on an existing file.
func Load(path string, logger *slog.Logger) ([]*wire.PendingMessage, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening state file: %w", err)
	}
	defer f.Close()

	header, err := readChunk(f)
	if err != nil {
		logger.Warn("state file header unreadable; starting with empty queue", "error", err)
		return nil, nil
	}
	if string(header) != versionTag {
		logger.Warn("state file header unrecognized; starting with empty queue",
			"header", string(header),
		)
		return nil, nil
	}

	var msgs []*wire.PendingMessage
	truncated := false
	for {
		frame, err := readChunk(f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			truncated = true
			break
		}
		var magic uint32
		if err := binary.Read(f, binary.BigEndian, &magic); err != nil {
			truncated = true
			break
		}
		if magic != recordMagic {
			logger.Warn("state file record has bad trailer; discarding remainder",
				"loaded", len(msgs),
			)
			break
		}

		upgraded, err := wire.Recode(frame)
		if err != nil {
			logger.Warn("state file record undecodable; skipping", "error", err)
			continue
		}
		_, kind, err := wire.FrameInfo(upgraded)
		if err != nil {
			logger.Warn("state file record malformed; skipping", "error", err)
			continue
		}
		msgs = append(msgs, &wire.PendingMessage{
			ID:      uuid.New(),
			MsgKind: kind,
			Version: wire.CurrentVersion,
			Frame:   upgraded,
		})
	}

	logger.Info("loaded pending messages from state file",
		"loaded", len(msgs),
		"truncated_tail", truncated,
	)
	return msgs, nil
}

// readChunk reads one uint32-length-prefixed blob. io.EOF at the length
// prefix means a clean end of file; any partial read surfaces as
// io.ErrUnexpectedEOF so callers can treat it as a truncated tail.
func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxRecordLen {
		return nil, fmt.Errorf("statefile: record length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}
