package cli

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vburojevic/traced/internal/transport"
)

// ProduceCmd registers a producer and writes stdin lines as packets
type ProduceCmd struct {
	Name       string        `short:"n" default:"traced.stdin" help:"Producer name"`
	DataSource []string      `short:"d" required:"" help:"Data source to offer and write to (can be repeated)"`
	TriggerOn  []string      `help:"REGEX=TRIGGER pairs; a matching line activates the clone trigger (can be repeated)"`
	WaitStart  time.Duration `default:"0s" help:"Wait this long for a session to start an instance before reading stdin"`
	Linger     bool          `help:"Stay connected after stdin ends until interrupted"`
}

// lineTrigger maps a line pattern to a clone trigger name
type lineTrigger struct {
	pattern *regexp.Regexp
	name    string
}

func (c *ProduceCmd) Run(globals *Globals) error {
	ctx, stop := signalContext()
	defer stop()
	return c.produce(ctx, globals)
}

func (c *ProduceCmd) produce(ctx context.Context, globals *Globals) error {
	var triggers []lineTrigger
	for _, pt := range c.TriggerOn {
		idx := strings.LastIndex(pt, "=")
		if idx <= 0 || idx == len(pt)-1 {
			return outputErrorCommon(globals, "INVALID_TRIGGER", fmt.Sprintf("invalid REGEX=TRIGGER pair: %s", pt))
		}
		re, err := regexp.Compile(pt[:idx])
		if err != nil {
			return outputErrorCommon(globals, "INVALID_TRIGGER_PATTERN", fmt.Sprintf("invalid trigger pattern: %s", err))
		}
		triggers = append(triggers, lineTrigger{pattern: re, name: pt[idx+1:]})
	}

	p, err := transport.DialProducer(ctx, globals.producerSocket(), c.Name, c.DataSource, nil)
	if err != nil {
		return outputErrorCommon(globals, "DAEMON_UNAVAILABLE", err.Error(), "start the daemon with 'traced serve' or pass --socket-dir")
	}
	defer p.Close()
	globals.Info("Registered producer %q (id %d) offering %v", c.Name, p.ID(), c.DataSource)

	if c.WaitStart > 0 {
		started := make(chan struct{}, 1)
		p.OnStart(func(transport.InstanceParams) {
			select {
			case started <- struct{}{}:
			default:
			}
		})
		if len(p.Instances()) == 0 {
			select {
			case <-started:
			case <-time.After(c.WaitStart):
				globals.Info("No session started %v within %s", c.DataSource, c.WaitStart)
			case <-ctx.Done():
				return nil
			}
		}
	}

	lines, packets, dropped, fired := 0, 0, 0, 0
	scanner := bufio.NewScanner(globals.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() && ctx.Err() == nil {
		line := scanner.Bytes()
		lines++
		for _, ds := range c.DataSource {
			n, err := p.Write(ds, append([]byte(nil), line...))
			if err != nil {
				return outputErrorCommon(globals, "WRITE_FAILED", err.Error())
			}
			if n == 0 {
				dropped++
			}
			packets += n
		}
		for _, t := range triggers {
			if !t.pattern.Match(line) {
				continue
			}
			if err := p.ActivateTriggers(t.name); err != nil {
				return outputErrorCommon(globals, "WRITE_FAILED", err.Error())
			}
			fired++
			globals.Debug("activated trigger %s", t.name)
		}
	}
	if err := scanner.Err(); err != nil {
		return outputErrorCommon(globals, "STDIN_FAILED", err.Error())
	}

	if globals.ndjson() {
		globals.writer().WriteRecord("produce_summary", map[string]any{
			"producer_id": p.ID(),
			"lines":       lines,
			"packets":     packets,
			"dropped":     dropped,
			"triggers":    fired,
		})
	} else {
		globals.Info("Wrote %d line(s) as %d packet(s), %d dropped, %d trigger(s)", lines, packets, dropped, fired)
	}

	if c.Linger {
		select {
		case <-ctx.Done():
		case <-p.Done():
		}
	}
	return nil
}
