package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/producer"
	"github.com/vburojevic/traced/internal/tui"
)

// startDaemon runs an in-process daemon and returns its socket directory.
func startDaemon(t *testing.T) string {
	t.Helper()
	// Unix socket paths are short; t.TempDir can exceed the limit on macOS.
	dir, err := os.MkdirTemp("", "traced")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	globals := &Globals{Format: "text", Quiet: true, SocketDir: dir, Stdout: io.Discard, Stderr: io.Discard}
	cmd := &ServeCmd{
		LogLevel:          "error",
		FlushTimeout:      time.Second,
		CloneFlushTimeout: time.Second,
		MaxChunkBytes:     4096,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- cmd.serve(ctx, globals, ready) }()

	select {
	case <-ready:
	case err := <-errc:
		cancel()
		t.Fatalf("daemon exited: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon not ready")
	}
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return dir
}

func clientGlobals(t *testing.T, dir, format string) (*Globals, *bytes.Buffer) {
	globals, stdout, _ := testGlobals(format)
	globals.SocketDir = dir
	return globals, stdout
}

func writeTraceConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clockConfig(t *testing.T, durationMs int, name string) string {
	return writeTraceConfig(t, fmt.Sprintf(`buffers:
  - size_kb: 64
data_sources:
  - name: %s
duration_ms: %d
unique_session_name: %q
`, producer.ClockDataSource, durationMs, name))
}

func TestRecordAndInspect(t *testing.T) {
	dir := startDaemon(t)
	out := filepath.Join(t.TempDir(), "out.trace")

	globals, stdout := clientGlobals(t, dir, "ndjson")
	cmd := &RecordCmd{Config: clockConfig(t, 200, ""), Out: out}
	require.NoError(t, cmd.Run(globals))

	summary := ofType(records(t, stdout), "summary")
	require.Len(t, summary, 1)
	assert.Equal(t, out, summary[0]["path"])
	packets := summary[0]["packets"].(float64)
	assert.GreaterOrEqual(t, packets, float64(1))

	globals, stdout = clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&InspectCmd{File: out}).Run(globals))
	assert.Equal(t, packets, records(t, stdout)[0]["packets"])

	// The session was freed after reading.
	globals, stdout = clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&StateCmd{SessionsOnly: true}).Run(globals))
	assert.Empty(t, ofType(records(t, stdout), "session"))
}

func TestRecordRejectsDuplicateName(t *testing.T) {
	dir := startDaemon(t)
	t.Setenv("HOME", t.TempDir())

	globals, _ := clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&RecordCmd{Config: clockConfig(t, 0, "dup"), Detach: "first"}).Run(globals))

	globals, stdout := clientGlobals(t, dir, "ndjson")
	err := (&RecordCmd{Config: clockConfig(t, 0, "dup"), Out: filepath.Join(t.TempDir(), "x")}).Run(globals)
	require.Error(t, err)
	assert.Equal(t, "CONFLICT", ofType(records(t, stdout), "error")[0]["code"])
}

func TestDetachStateAndAttach(t *testing.T) {
	dir := startDaemon(t)
	t.Setenv("HOME", t.TempDir())

	globals, stdout := clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&RecordCmd{Config: clockConfig(t, 0, "nightly"), Detach: "k1"}).Run(globals))
	detached := ofType(records(t, stdout), "detached")
	require.Len(t, detached, 1)
	assert.Equal(t, "k1", detached[0]["key"])

	statePath, err := defaultDetachStatePath("k1")
	require.NoError(t, err)
	require.FileExists(t, statePath)

	// The detached session is listed and filterable.
	globals, stdout = clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&StateCmd{Where: []string{"state=detached"}, Name: "^night"}).Run(globals))
	sessions := ofType(records(t, stdout), "session")
	require.Len(t, sessions, 1)
	assert.Equal(t, "nightly", sessions[0]["unique_session_name"])

	// Attach without a key picks the latest detached session.
	out := filepath.Join(t.TempDir(), "attached.trace")
	globals, stdout = clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&AttachCmd{Out: out, Stop: true, Stats: true}).Run(globals))
	recs := records(t, stdout)
	require.Len(t, ofType(recs, "stats"), 1)
	summary := ofType(recs, "summary")
	require.Len(t, summary, 1)
	assert.GreaterOrEqual(t, summary[0]["packets"].(float64), float64(1))
	assert.NoFileExists(t, statePath)

	// The key is spent.
	globals, stdout = clientGlobals(t, dir, "ndjson")
	require.Error(t, (&AttachCmd{Key: "k1", Out: out}).Run(globals))
	assert.Equal(t, "NOT_FOUND", ofType(records(t, stdout), "error")[0]["code"])
}

func TestCloneKeepAndFree(t *testing.T) {
	dir := startDaemon(t)
	t.Setenv("HOME", t.TempDir())

	globals, _ := clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&RecordCmd{Config: clockConfig(t, 0, "src"), Detach: "src"}).Run(globals))

	out := filepath.Join(t.TempDir(), "clone.trace")
	globals, stdout := clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&CloneCmd{Name: "src", Out: out, Keep: true}).Run(globals))
	recs := records(t, stdout)
	clone := ofType(recs, "clone")
	require.Len(t, clone, 1)
	assert.Equal(t, true, clone[0]["kept"])
	assert.NotZero(t, clone[0]["cloned_from"])
	require.Len(t, ofType(recs, "summary"), 1)
	assert.FileExists(t, out)

	cloneID := uint64(clone[0]["session_id"].(float64))
	globals, stdout = clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&StateCmd{Where: []string{"state=cloned"}}).Run(globals))
	require.Len(t, ofType(records(t, stdout), "session"), 1)

	globals, _ = clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&FreeCmd{Session: cloneID}).Run(globals))

	globals, stdout = clientGlobals(t, dir, "ndjson")
	require.Error(t, (&FreeCmd{Session: cloneID}).Run(globals))
	assert.Equal(t, "NOT_FOUND", records(t, stdout)[0]["code"])
}

func TestCapabilitiesAndStateText(t *testing.T) {
	dir := startDaemon(t)

	globals, stdout := clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&CapabilitiesCmd{}).Run(globals))
	caps := records(t, stdout)[0]
	assert.Equal(t, "capabilities", caps["type"])
	assert.EqualValues(t, 4096, caps["max_chunk_bytes"])

	globals, stdout = clientGlobals(t, dir, "text")
	require.NoError(t, (&StateCmd{}).Run(globals))
	assert.Contains(t, stdout.String(), producer.ClockDataSource)
	assert.Contains(t, stdout.String(), "Sessions (0 of 0")
}

func TestProduceFeedsRecord(t *testing.T) {
	dir := startDaemon(t)

	cfg := writeTraceConfig(t, `buffers:
  - size_kb: 64
data_sources:
  - name: app.log
    producer_name_filter: [app]
`)
	out := filepath.Join(t.TempDir(), "app.trace")

	// Record in the background; it stops when the test cancels it below.
	recGlobals, recOut := clientGlobals(t, dir, "ndjson")
	recDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prodGlobals, prodOut := clientGlobals(t, dir, "ndjson")
	prodGlobals.Stdin = strings.NewReader("first line\nsecond line\n")
	prod := &ProduceCmd{Name: "app", DataSource: []string{"app.log"}, WaitStart: 5 * time.Second}
	prodDone := make(chan error, 1)
	go func() { prodDone <- prod.produce(ctx, prodGlobals) }()

	waitFor(t, func() bool {
		g, s := clientGlobals(t, dir, "ndjson")
		if (&StateCmd{}).Run(g) != nil {
			return false
		}
		for _, p := range ofType(records(t, s), "producer") {
			if p["name"] == "app" {
				return true
			}
		}
		return false
	})

	go func() {
		rec := &RecordCmd{Config: cfg, Out: out, Duration: 2 * time.Second}
		recDone <- rec.Run(recGlobals)
	}()

	require.NoError(t, <-prodDone)
	require.NoError(t, <-recDone)

	assert.EqualValues(t, 2, ofType(records(t, prodOut), "produce_summary")[0]["packets"])
	summary := ofType(records(t, recOut), "summary")
	require.Len(t, summary, 1)
	assert.EqualValues(t, 2, summary[0]["packets"])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func nextSnapshot(t *testing.T, feed <-chan tui.Update) *tui.Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-feed:
			require.True(t, ok, "feed closed")
			require.NoError(t, u.Err)
			if u.Snapshot != nil {
				return u.Snapshot
			}
		case <-deadline:
			t.Fatal("no state snapshot")
		}
	}
}

func TestUIFeed(t *testing.T) {
	dir := startDaemon(t)
	t.Setenv("HOME", t.TempDir())

	mock := clock.NewMock()
	cmd := &UICmd{Refresh: time.Second, clk: mock}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	globals, _ := clientGlobals(t, dir, "text")
	feed, err := cmd.feed(ctx, globals)
	require.NoError(t, err)

	first := nextSnapshot(t, feed)
	assert.Empty(t, first.Sessions)
	assert.Equal(t, 1, first.Producers)

	recorder, _ := clientGlobals(t, dir, "ndjson")
	require.NoError(t, (&RecordCmd{Config: clockConfig(t, 0, "live"), Detach: "ui"}).Run(recorder))

	mock.Add(time.Second)
	next := nextSnapshot(t, feed)
	require.Len(t, next.Sessions, 1)
	assert.Equal(t, "live", next.Sessions[0].UniqueSessionName)
	assert.Equal(t, "detached", next.Sessions[0].State)

	cancel()
	closed := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-feed:
			if !ok {
				return
			}
		case <-closed:
			t.Fatal("feed not closed after cancel")
		}
	}
}
