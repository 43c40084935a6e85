package deliverylog

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	id1 := generateID()
	id2 := generateID()

	if id1 == "" {
		t.Fatal("generated ID is empty")
	}
	if id1 == id2 {
		t.Fatalf("two generated IDs are the same: %s", id1)
	}
	if !strings.Contains(id1, "T") || !strings.Contains(id1, "-") {
		t.Fatalf("ID format incorrect: %s", id1)
	}
}

func TestHashLine(t *testing.T) {
	h1 := hashLine([]byte("hello\n"))
	h2 := hashLine([]byte("hello\n"))
	h3 := hashLine([]byte("world\n"))

	if h1 != h2 {
		t.Fatal("same input should produce same hash")
	}
	if h1 == h3 {
		t.Fatal("different input should produce different hash")
	}
	if len(h1) != 8 {
		t.Fatalf("hash length should be 8, got: %s", h1)
	}
}

func TestParsePosition(t *testing.T) {
	tests := []struct {
		input   string
		file    string
		offset  int64
		wantErr bool
	}{
		{"events.001-a1b2c3d4.jsonl.gz:1024", "events.001-a1b2c3d4.jsonl.gz", 1024, false},
		{"events.999-e5f6g7h8.jsonl.gz:0", "events.999-e5f6g7h8.jsonl.gz", 0, false},
		{"invalid", "", 0, true},
		{"", "", 0, true},
		{":123", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			pos, err := ParsePosition(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePosition(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil {
				if pos.File != tt.file {
					t.Errorf("File = %q, want %q", pos.File, tt.file)
				}
				if pos.Offset != tt.offset {
					t.Errorf("Offset = %d, want %d", pos.Offset, tt.offset)
				}
			}
		})
	}
}

func TestPositionString(t *testing.T) {
	p := Position{File: "events.001-a1b2c3d4.jsonl.gz", Offset: 2048}
	s := p.String()
	if s != "events.001-a1b2c3d4.jsonl.gz:2048" {
		t.Fatalf("String() = %q", s)
	}
	p2, err := ParsePosition(s)
	if err != nil {
		t.Fatal(err)
	}
	if p2.File != p.File || p2.Offset != p.Offset {
		t.Fatalf("round-trip failed: %+v != %+v", p2, p)
	}
}

func setupTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	lg := NewLog(filepath.Join(dir, "events"))
	if err := lg.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return lg
}

func TestLogInit(t *testing.T) {
	lg := setupTestLog(t)

	if _, err := os.Stat(lg.Dir); err != nil {
		t.Fatalf("directory does not exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(lg.Dir, "markers")); err != nil {
		t.Fatalf("markers directory does not exist: %v", err)
	}

	name, err := lg.latestName()
	if err != nil {
		t.Fatalf("read latest failed: %v", err)
	}
	if !strings.HasPrefix(name, "events.001-") || !strings.HasSuffix(name, ".jsonl.gz") {
		t.Fatalf("latest = %q, want events.001-<hash>.jsonl.gz", name)
	}

	if err := lg.Init(); err != nil {
		t.Fatalf("duplicate Init failed: %v", err)
	}
}

func TestLogAddSingle(t *testing.T) {
	lg := setupTestLog(t)

	evt, err := lg.Add("sent", "msg-1", map[string]string{"from": "alice@example.com"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if evt.ID == "" {
		t.Fatal("event ID is empty")
	}
	if evt.Type != "sent" {
		t.Errorf("Type = %q, want sent", evt.Type)
	}
	if evt.Channel != "msg-1" {
		t.Errorf("Channel = %q, want msg-1", evt.Channel)
	}
	if evt.Fields["from"] != "alice@example.com" {
		t.Errorf("Fields[from] = %q", evt.Fields["from"])
	}

	name, _ := lg.latestName()
	_, lineCount, _, err := lg.getFileStats(name)
	if err != nil {
		t.Fatal(err)
	}
	if lineCount != 2 {
		t.Errorf("LineCount = %d, want 2 (rotate + event)", lineCount)
	}
}

func TestRecordImplementsEventSink(t *testing.T) {
	lg := setupTestLog(t)

	lg.Record("connected", map[string]string{"message_id": "msg-42", "host": "smtp.example.com"})

	entries, err := lg.List("reader", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Type != "connected" || entries[0].Channel != "msg-42" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestRecordSwallowsUnwritableDir(t *testing.T) {
	// Place a plain file where Log expects a directory, so MkdirAll fails;
	// Record must swallow the error rather than panic or propagate it.
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	lg := NewLog(filepath.Join(blocked, "events"))
	lg.Record("sent", map[string]string{"message_id": "x"})
}

func TestLogListWithMarker(t *testing.T) {
	lg := setupTestLog(t)

	for i := 0; i < 5; i++ {
		if _, err := lg.Add("sent", "msg", map[string]string{"i": strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := lg.List("reader", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("len(all) = %d, want 5", len(all))
	}

	pos := Position{File: all[2].File, Offset: all[2].Offset}
	if err := lg.Mark("reader", pos); err != nil {
		t.Fatal(err)
	}

	remaining, err := lg.List("reader", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("len(remaining) = %d, want 2", len(remaining))
	}
}

func TestLogListLimit(t *testing.T) {
	lg := setupTestLog(t)

	for i := 0; i < 10; i++ {
		if _, err := lg.Add("sent", "msg", nil); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := lg.List("reader", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
}

func TestLogRotation(t *testing.T) {
	dir := t.TempDir()
	lg := NewLog(filepath.Join(dir, "events"))
	if err := lg.Init(); err != nil {
		t.Fatal(err)
	}

	firstFile, _ := lg.latestName()

	unlock, err := lg.lock()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lg.createNewFile(2); err != nil {
		t.Fatalf("createNewFile failed: %v", err)
	}
	unlock()

	name, err := lg.latestName()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(name, "events.002-") {
		t.Fatalf("latest = %q, want events.002-<hash>.jsonl.gz", name)
	}

	files, err := lg.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
	if files[0] != firstFile {
		t.Errorf("first file = %q, want %q", files[0], firstFile)
	}
}

func TestLogListAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	lg := NewLog(filepath.Join(dir, "events"))
	if err := lg.Init(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := lg.Add("batch1", "ch", map[string]string{"i": strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}

	unlock, err := lg.lock()
	if err != nil {
		t.Fatal(err)
	}
	lg.createNewFile(2)
	unlock()

	for i := 0; i < 2; i++ {
		if _, err := lg.Add("batch2", "ch", map[string]string{"i": strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := lg.List("reader", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("len(all) = %d, want 5", len(all))
	}
	for i := 0; i < 3; i++ {
		if !strings.HasPrefix(all[i].File, "events.001-") {
			t.Errorf("[%d] File = %q", i, all[i].File)
		}
	}
	for i := 3; i < 5; i++ {
		if !strings.HasPrefix(all[i].File, "events.002-") {
			t.Errorf("[%d] File = %q", i, all[i].File)
		}
	}
}

func TestLogStatus(t *testing.T) {
	lg := setupTestLog(t)

	if _, err := lg.Add("sent", "msg", map[string]string{"hello": "world"}); err != nil {
		t.Fatal(err)
	}

	st, err := lg.Status("")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsLatest {
		t.Error("should be latest")
	}
	if st.LineCount != 2 {
		t.Errorf("LineCount = %d, want 2", st.LineCount)
	}
	if st.CompressedSize <= 0 {
		t.Errorf("CompressedSize = %d, want > 0", st.CompressedSize)
	}

	_, err = lg.Status("events.999-a1b2c3d4.jsonl.gz")
	if err == nil {
		t.Fatal("should error")
	}
}

func TestLogParseSeq(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"events.001-a1b2c3d4.jsonl.gz", 1},
		{"events.010-e5f6g7h8.jsonl.gz", 10},
		{"events.999-i9j0k1l2.jsonl.gz", 999},
	}
	for _, tt := range tests {
		if got := parseSeq(tt.name); got != tt.want {
			t.Errorf("parseSeq(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestLogEmptyList(t *testing.T) {
	lg := setupTestLog(t)

	entries, err := lg.List("empty-channel", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0", len(entries))
	}
}

func TestLogMarkInvalidFile(t *testing.T) {
	lg := setupTestLog(t)

	err := lg.Mark("test", Position{File: "events.999-a1b2c3d4.jsonl.gz", Offset: 0})
	if err == nil {
		t.Fatal("should error: file does not exist")
	}
}

func TestRotateEventPayload(t *testing.T) {
	lg := setupTestLog(t)
	name, _ := lg.latestName()

	fpath := filepath.Join(lg.Dir, name)
	f, err := os.Open(fpath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer gr.Close()

	scanner := bufio.NewScanner(gr)
	if !scanner.Scan() {
		t.Fatal("file should have at least one line")
	}

	var evt Event
	if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if evt.Type != RotateEventType {
		t.Errorf("first event type = %q, want %s", evt.Type, RotateEventType)
	}
	if evt.Fields["uuid"] == "" {
		t.Error("rotate event uuid is empty")
	}
}
