// Package deliverylog implements a file-based send-event log: every
// lifecycle event a Client emits (connected, sent, send_failed) is
// appended as a JSONL record in gzip-compressed rotating files, readable
// through named marker-based cursors.
//
// Default storage directory is ~/.smtpsubmit/deliverylog/.
//
// Directory structure:
//
//	~/.smtpsubmit/deliverylog/
//	├── events.001-a1b2c3d4.jsonl.gz       # Currently active file
//	├── events.002-e5f6g7h8.jsonl.gz       # Archived
//	├── latest                             # Text file containing the active file name
//	├── events.lock                        # Exclusive lock file (temporary)
//	└── markers/
//	    ├── my-message-id.json             # per-message-id consumption marker
//	    └── other-message-id.json
//
// Each events file starts with a "rotate" event containing a UUID, and the
// filename includes the hash of this rotate event line for identity
// verification.
package deliverylog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxUncompressedSize is the maximum uncompressed size for a single events
// file. Rotation is triggered when (current uncompressed size + new event
// size + RotationHeadroom) >= MaxUncompressedSize.
const MaxUncompressedSize = 64 * 1024 * 1024 // 64 MB

// RotationHeadroom is the reserved space for rotation judgment.
const RotationHeadroom = 64 * 1024 // 64 KB

// RotateEventType is the event type for rotation marker events.
const RotateEventType = "__rotate__"

// RotateEvent is the first event in each events file, containing a UUID for
// file identity.
type RotateEvent struct {
	UUID string `json:"uuid"`
}

// Event is one record in the delivery log: a send-lifecycle notification
// scoped to a message (Channel is normally the outgoing Message-ID).
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Channel   string            `json:"channel"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// EventEntry is an Event read from a file with positional information.
type EventEntry struct {
	Event
	File   string `json:"file"`   // events file name
	Offset int64  `json:"offset"` // byte offset after this event (in uncompressed stream at line end)
}

// FileStatus is status information for a single events file.
type FileStatus struct {
	Name             string `json:"name"`
	CompressedSize   int64  `json:"compressed_size"`
	UncompressedSize int64  `json:"uncompressed_size"`
	LineCount        int64  `json:"line_count"`
	FirstLineHash    string `json:"first_line_hash,omitempty"`
	IsLatest         bool   `json:"is_latest"`
}

// Position is a consumption position for Mark.
type Position struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
}

// String returns a position string in "file:offset" format.
func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// ParsePosition parses a Position from "file:offset" format string.
func ParsePosition(s string) (Position, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx >= len(s)-1 {
		return Position{}, fmt.Errorf("invalid position format %q, expected file:offset", s)
	}
	offset, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position format %q, offset is not a number: %w", s, err)
	}
	return Position{File: s[:idx], Offset: offset}, nil
}

// generateID generates an event ID: timestamp prefix plus a UUID suffix,
// so entries sort lexically by arrival while staying globally unique.
func generateID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()
}

// hashLine calculates the SHA-256 hash of a line, returning the first 8
// hex characters — enough to disambiguate rotated files without a full
// digest in the filename.
func hashLine(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])[:8]
}
