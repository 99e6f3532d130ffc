package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/filter"
)

// errWatchDone ends the event stream once --max clones were taken.
var errWatchDone = errors.New("watch: clone limit reached")

// WatchCmd watches session lifecycle events and reacts to clone triggers
type WatchCmd struct {
	Events         []string      `short:"e" default:"data_source_instances,all_data_sources_started,clone_trigger_hit" help:"Event types to observe"`
	Dedupe         bool          `help:"Collapse repeated identical events"`
	DedupeWindow   time.Duration `help:"Collapse identical events within this window (0 = consecutive only)"`
	CloneOnTrigger bool          `help:"Clone the session whenever one of its clone triggers fires"`
	Out            string        `short:"o" default:"clone-{n}.trace" help:"Output pattern for clones; {n} is the clone number, {session} the source session id"`
	OnTrigger      string        `help:"Command to run when a clone trigger fires (TRACED_SESSION_ID, TRACED_TRIGGER and TRACED_CLONE_PATH are set)"`
	Cooldown       time.Duration `default:"5s" help:"Minimum time between reactions to the same trigger"`
	Max            int           `help:"Stop after this many clones (0 = unlimited)"`

	clk clock.Clock
}

// Run observes events until interrupted
func (c *WatchCmd) Run(globals *Globals) error {
	ctx, stop := signalContext()
	defer stop()
	return c.watch(ctx, globals)
}

func (c *WatchCmd) watch(ctx context.Context, globals *Globals) error {
	types := make([]domain.EventType, 0, len(c.Events))
	for _, name := range c.Events {
		t, err := domain.ParseEventType(name)
		if err != nil {
			return outputErrorCommon(globals, "INVALID_EVENT", err.Error())
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return outputErrorCommon(globals, "INVALID_EVENT", "at least one event type is required")
	}
	if c.clk == nil {
		c.clk = clock.New()
	}

	var dedupe *filter.DedupeFilter
	if c.Dedupe || c.DedupeWindow > 0 {
		dedupe = filter.NewDedupeFilter(c.clk, c.DedupeWindow)
	}

	client, err := globals.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if !globals.Quiet {
		if globals.ndjson() {
			globals.writer().WriteRecord("info", map[string]any{"message": "watching events", "events": types})
		} else {
			fmt.Fprintf(globals.Stderr, "Watching %v\n", types)
			if c.CloneOnTrigger {
				fmt.Fprintf(globals.Stderr, "Cloning on trigger into %s\n", c.Out)
			}
			if c.OnTrigger != "" {
				fmt.Fprintf(globals.Stderr, "On trigger: %s\n", c.OnTrigger)
			}
			fmt.Fprintln(globals.Stderr, "Press Ctrl+C to stop")
		}
	}

	r := &triggerReactor{cmd: c, globals: globals, rot: newRotation(patternPath(c.Out)), last: make(map[string]time.Time)}
	defer r.rot.Close()

	err = client.ObserveEvents(ctx, types, func(batch []domain.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, ev := range batch {
			if dedupe != nil && !dedupe.Check(ev).ShouldEmit {
				continue
			}
			if err := c.emit(globals, ev); err != nil {
				return err
			}
			if ev.Type == domain.EventCloneTriggerHit {
				if err := r.react(ctx, ev); err != nil {
					return err
				}
			}
		}
		return nil
	})
	r.wg.Wait()

	if dedupe != nil && globals.ndjson() {
		for _, d := range dedupe.PendingDuplicates() {
			globals.writer().WriteRecord("dedupe_summary", d)
		}
	}
	switch {
	case errors.Is(err, errWatchDone):
		return nil
	case err == nil, ctx.Err() != nil:
		return nil
	default:
		return reportError(globals, err)
	}
}

func (c *WatchCmd) emit(globals *Globals, ev domain.Event) error {
	if globals.ndjson() {
		return globals.writer().WriteEvent(ev)
	}
	fmt.Fprintf(globals.Stdout, "%s %s\n", c.clk.Now().Format("15:04:05.000"), ev)
	return nil
}

// triggerReactor clones and runs hooks for clone_trigger_hit events.
type triggerReactor struct {
	cmd     *WatchCmd
	globals *Globals
	rot     *rotation
	last    map[string]time.Time
	clones  int
	wg      sync.WaitGroup

	// mu serializes output between event handling and hook goroutines.
	mu sync.Mutex
}

func (r *triggerReactor) react(ctx context.Context, ev domain.Event) error {
	name := ""
	if ev.Trigger != nil {
		name = ev.Trigger.Name
	}
	key := strconv.FormatUint(uint64(ev.SessionID), 10) + "/" + name
	now := r.cmd.clk.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.cmd.Cooldown {
		r.globals.Debug("trigger %s in cooldown", key)
		return nil
	}
	r.last[key] = now

	clonePath := ""
	if r.cmd.CloneOnTrigger {
		path, err := r.clone(ctx, ev)
		if err != nil {
			r.warn(fmt.Sprintf("clone of session %d failed: %v", ev.SessionID, err))
		} else {
			clonePath = path
		}
	}
	if r.cmd.OnTrigger != "" {
		r.run(ev, name, clonePath)
	}
	if r.cmd.Max > 0 && r.clones >= r.cmd.Max {
		return errWatchDone
	}
	return nil
}

// clone snapshots the triggering session over a fresh connection, since the
// clone binds to the connection that asked for it.
func (r *triggerReactor) clone(ctx context.Context, ev domain.Event) (string, error) {
	client, err := r.globals.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	res, err := client.CloneSession(ctx, consumer.CloneRequest{SessionID: ev.SessionID, Trigger: ev.Trigger})
	if err != nil {
		return "", err
	}
	w, path, err := r.rot.Next(res.ClonedFrom)
	if err != nil {
		return "", err
	}
	summary, err := drain(ctx, client, w)
	if err != nil {
		return "", err
	}
	if err := r.rot.Close(); err != nil {
		return "", err
	}
	if err := client.FreeBuffers(ctx, consumer.FreeBuffersRequest{}); err != nil {
		r.globals.Debug("free clone %d: %v", res.SessionID, err)
	}
	r.clones++

	summary.SessionID = res.SessionID
	summary.Path = path
	if r.globals.ndjson() {
		return path, r.globals.writer().WriteSummary(summary)
	}
	r.globals.Info("[CLONE] session %d -> %s (%d packets)", ev.SessionID, path, summary.Packets)
	return path, nil
}

// run executes the hook in the background so event processing continues.
func (r *triggerReactor) run(ev domain.Event, trigger, clonePath string) {
	command := r.cmd.OnTrigger
	if r.globals.ndjson() {
		r.globals.writer().WriteRecord("trigger", map[string]any{
			"session_id": ev.SessionID,
			"trigger":    trigger,
			"command":    command,
		})
	} else {
		r.globals.Info("[TRIGGER:%s] Running: %s", trigger, command)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"TRACED_SESSION_ID="+strconv.FormatUint(uint64(ev.SessionID), 10),
		"TRACED_TRIGGER="+trigger,
		"TRACED_CLONE_PATH="+clonePath,
	)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := cmd.Run(); err != nil {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.warn(fmt.Sprintf("trigger command %q: %v", command, err))
		}
	}()
}

func (r *triggerReactor) warn(msg string) {
	if r.globals.Quiet {
		return
	}
	if r.globals.ndjson() {
		r.globals.writer().WriteRecord("warning", map[string]string{"message": msg})
		return
	}
	fmt.Fprintf(r.globals.Stderr, "Warning: %s\n", msg)
}
