package deliverylog

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fileTracking tracks in-memory stats for the current file.
type fileTracking struct {
	uncompressedSize int64
	lineCount        int64
}

// Log is a file-based, append-mostly send-event log.
type Log struct {
	Dir string // event storage directory

	// In-memory tracking for current file (only valid during lock lifetime)
	tracking map[string]*fileTracking
}

// NewLog creates a Log rooted at dir.
func NewLog(dir string) *Log {
	return &Log{
		Dir:      dir,
		tracking: make(map[string]*fileTracking),
	}
}

// DefaultLog creates a Log at the default path (~/.smtpsubmit/deliverylog/).
func DefaultLog() (*Log, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	dir := filepath.Join(home, ".smtpsubmit", "deliverylog")
	return NewLog(dir), nil
}

// Init initializes the log directory, creating necessary subdirectories and
// the first events file.
func (l *Log) Init() error {
	if err := os.MkdirAll(filepath.Join(l.Dir, "markers"), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if _, err := l.latestName(); err != nil {
		_, err = l.createNewFile(1)
		return err
	}
	return nil
}

// Add appends an event to the log. Protected by an exclusive lock.
func (l *Log) Add(typ, channel string, fields map[string]string) (*Event, error) {
	unlock, err := l.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := l.Init(); err != nil {
		return nil, err
	}

	evt := &Event{
		ID:        generateID(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Channel:   channel,
		Fields:    fields,
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	line = append(line, '\n')

	latestFile, err := l.latestName()
	if err != nil {
		return nil, err
	}

	tracking := l.getTracking(latestFile)
	if tracking.lineCount == 0 {
		size, lines, _, err := l.getFileStats(latestFile)
		if err != nil {
			return nil, err
		}
		tracking.uncompressedSize, tracking.lineCount = size, lines
	}
	if tracking.uncompressedSize+int64(len(line))+RotationHeadroom >= MaxUncompressedSize {
		seq := parseSeq(latestFile)
		newFile, err := l.createNewFile(seq + 1)
		if err != nil {
			return nil, fmt.Errorf("rotation failed: %w", err)
		}
		latestFile = newFile
		tracking = l.getTracking(latestFile)
	}

	fpath := filepath.Join(l.Dir, latestFile)
	f, err := os.OpenFile(fpath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(line); err != nil {
		return nil, fmt.Errorf("failed to write event: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	tracking.uncompressedSize += int64(len(line))
	tracking.lineCount++

	return evt, nil
}

// Record implements pkgs/client.EventSink: it appends an event scoped to
// fields["message_id"] (empty string if absent), swallowing any write
// error, so a delivery-log outage never fails a send. It does wait for
// the log's lock like Add does.
func (l *Log) Record(event string, fields map[string]string) {
	channel := fields["message_id"]
	_, _ = l.Add(event, channel, fields)
}

// List lists new events starting from the specified channel's marker
// position. If the channel has no marker, starts from the earliest file.
// The channel selects only the marker: events of every channel are
// returned, not just those whose Channel equals it. limit <= 0 means no
// limit.
func (l *Log) List(channel string, limit int) ([]EventEntry, error) {
	unlock, err := l.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	marker, err := l.LoadMarker(channel)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	files, err := l.listFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	var startFile string
	var startOffset int64

	if marker != nil {
		startFile = marker.File
		startOffset = marker.Offset
	} else {
		startFile = files[0]
		startOffset = 0
	}

	startIdx := 0
	for i, f := range files {
		if f == startFile {
			startIdx = i
			break
		}
	}

	var entries []EventEntry
	for i := startIdx; i < len(files); i++ {
		f := files[i]
		offset := int64(0)
		if i == startIdx {
			offset = startOffset
		}

		events, err := l.readFile(f, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		entries = append(entries, events...)
		if limit > 0 && len(entries) >= limit {
			entries = entries[:limit]
			break
		}
	}

	return entries, nil
}

// Mark updates the consumption position for a channel.
func (l *Log) Mark(channel string, pos Position) error {
	unlock, err := l.lock()
	if err != nil {
		return err
	}
	defer unlock()

	fpath := filepath.Join(l.Dir, pos.File)
	if _, err := os.Stat(fpath); err != nil {
		return fmt.Errorf("event file %s does not exist: %w", pos.File, err)
	}

	m := &Marker{
		File:      pos.File,
		Offset:    pos.Offset,
		UpdatedAt: time.Now().UTC(),
	}

	return l.SaveMarker(channel, m)
}

// Status returns the status of the specified file, empty name means latest.
func (l *Log) Status(name string) (*FileStatus, error) {
	if name == "" {
		var err error
		name, err = l.latestName()
		if err != nil {
			return nil, fmt.Errorf("no active event file: %w", err)
		}
	}

	fpath := filepath.Join(l.Dir, name)
	fi, err := os.Stat(fpath)
	if err != nil {
		return nil, fmt.Errorf("file %s does not exist: %w", name, err)
	}

	uncompressedSize, lineCount, firstLineHash, err := l.getFileStats(name)
	if err != nil {
		return nil, err
	}

	latestName, _ := l.latestName()

	return &FileStatus{
		Name:             name,
		CompressedSize:   fi.Size(),
		UncompressedSize: uncompressedSize,
		LineCount:        lineCount,
		FirstLineHash:    firstLineHash,
		IsLatest:         name == latestName,
	}, nil
}

// ListFiles returns all event file names (in sequence order).
func (l *Log) ListFiles() ([]string, error) {
	return l.listFiles()
}

// --- Internal methods ---

func (l *Log) getTracking(file string) *fileTracking {
	if l.tracking[file] == nil {
		l.tracking[file] = &fileTracking{}
	}
	return l.tracking[file]
}

// lock acquires an exclusive lock. Returns an unlock function.
func (l *Log) lock() (func(), error) {
	lockPath := filepath.Join(l.Dir, "events.lock")
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var f *os.File
	var err error
	for attempts := 0; attempts < 50; attempts++ {
		f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if os.IsExist(err) {
			if data, rerr := os.ReadFile(lockPath); rerr == nil {
				if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
					proc, _ := os.FindProcess(pid)
					// On Unix, FindProcess always succeeds; use Signal(0) to check.
					// On Windows, FindProcess fails for non-existent PIDs.
					if proc != nil && proc.Signal(nil) == nil {
						time.Sleep(100 * time.Millisecond)
						continue
					}
				}
			}
			os.Remove(lockPath)
			continue
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("failed to acquire lock: %s", lockPath)
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()

	l.tracking = make(map[string]*fileTracking)

	return func() {
		os.Remove(lockPath)
		l.tracking = make(map[string]*fileTracking)
	}, nil
}

func (l *Log) latestName() (string, error) {
	data, err := os.ReadFile(filepath.Join(l.Dir, "latest"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (l *Log) setLatest(name string) error {
	return os.WriteFile(filepath.Join(l.Dir, "latest"), []byte(name+"\n"), 0o644)
}

// createNewFile creates a new events file with a rotate event and updates
// latest. Returns the created filename.
func (l *Log) createNewFile(seq int) (string, error) {
	rotateEvt := &Event{
		ID:        generateID(),
		Timestamp: time.Now().UTC(),
		Type:      RotateEventType,
		Channel:   "",
	}
	rotateEvt.Fields = map[string]string{"uuid": uuid.NewString()}

	rotateLine, err := json.Marshal(rotateEvt)
	if err != nil {
		return "", fmt.Errorf("failed to serialize rotate event: %w", err)
	}
	rotateLine = append(rotateLine, '\n')

	hash := hashLine(rotateLine)
	name := fmt.Sprintf("events.%03d-%s.jsonl.gz", seq, hash)
	fpath := filepath.Join(l.Dir, name)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("failed to create event file: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(rotateLine); err != nil {
		return "", fmt.Errorf("failed to write rotate event: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("failed to close gzip writer: %w", err)
	}

	l.tracking[name] = &fileTracking{
		uncompressedSize: int64(len(rotateLine)),
		lineCount:        1,
	}

	if err := l.setLatest(name); err != nil {
		return "", err
	}

	return name, nil
}

// listFiles lists all events.NNN-*.jsonl.gz files, sorted by sequence number.
func (l *Log) listFiles() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events.") && strings.HasSuffix(name, ".jsonl.gz") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// parseSeq extracts the sequence number from a file name.
func parseSeq(name string) int {
	name = strings.TrimPrefix(name, "events.")
	idx := strings.Index(name, "-")
	if idx > 0 {
		name = name[:idx]
	}
	name = strings.TrimSuffix(name, ".jsonl.gz")
	n, _ := strconv.Atoi(name)
	return n
}

// getFileStats calculates uncompressed size and line count by streaming the
// file.
func (l *Log) getFileStats(name string) (uncompressedSize int64, lineCount int64, firstLineHash string, err error) {
	fpath := filepath.Join(l.Dir, name)
	f, err := os.Open(fpath)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, 0, "", err
	}
	if fi.Size() == 0 {
		return 0, 0, "", nil
	}

	gr, err := gzip.NewReader(f)
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to open gzip: %w", err)
	}
	defer gr.Close()

	gr.Multistream(true)

	cr := &countingReader{r: gr}
	scanner := bufio.NewScanner(cr)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	lc := int64(0)
	firstLine := ""
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) > 0 {
			if lc == 0 {
				h := sha256.Sum256(line)
				firstLine = fmt.Sprintf("%x", h[:8])
			}
			lc++
		}
	}

	return cr.n, lc, firstLine, scanner.Err()
}

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// readFile reads events from a gzip file, starting from the specified
// uncompressed byte offset, streaming line by line.
func (l *Log) readFile(name string, fromOffset int64) ([]EventEntry, error) {
	fpath := filepath.Join(l.Dir, name)
	f, err := os.Open(fpath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip: %w", err)
	}
	defer gr.Close()

	gr.Multistream(true)

	if fromOffset > 0 {
		if _, err := io.CopyN(io.Discard, gr, fromOffset); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to seek to offset: %w", err)
		}
	}

	scanner := bufio.NewScanner(gr)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	var entries []EventEntry
	currentOffset := fromOffset

	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		endOffset := currentOffset + lineLen

		if len(bytes.TrimSpace(line)) == 0 {
			currentOffset = endOffset
			continue
		}

		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			currentOffset = endOffset
			continue
		}

		if evt.Type == RotateEventType {
			currentOffset = endOffset
			continue
		}

		entries = append(entries, EventEntry{
			Event:  evt,
			File:   name,
			Offset: endOffset,
		})
		currentOffset = endOffset
	}

	return entries, scanner.Err()
}
