package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/tui"
)

// UICmd launches an interactive live view of sessions and events
type UICmd struct {
	Refresh      time.Duration `default:"1s" help:"How often the session table is refreshed"`
	SessionsOnly bool          `help:"Only list sessions, skip producer counts"`

	clk clock.Clock
}

// Run executes the UI command
func (c *UICmd) Run(globals *Globals) error {
	if globals.ndjson() {
		return outputErrorCommon(globals, "INVALID_FLAGS", "the ui needs text output", "drop --format ndjson or use 'traced watch'")
	}
	if c.Refresh <= 0 {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--refresh must be positive")
	}

	ctx, stop := signalContext()
	defer stop()

	feed, err := c.feed(ctx, globals)
	if err != nil {
		return err
	}

	clk := c.clock()
	model := tui.New("traced "+globals.SocketDir, feed, clk.Now)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithInput(globals.Stdin), tea.WithOutput(globals.Stdout))

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func (c *UICmd) clock() clock.Clock {
	if c.clk == nil {
		c.clk = clock.New()
	}
	return c.clk
}

// feed polls the daemon state every Refresh and streams lifecycle events
// over a second connection. The channel closes once both stop.
func (c *UICmd) feed(ctx context.Context, globals *Globals) (<-chan tui.Update, error) {
	stateClient, err := globals.dial(ctx)
	if err != nil {
		return nil, err
	}
	eventClient, err := globals.dial(ctx)
	if err != nil {
		stateClient.Close()
		return nil, err
	}

	out := make(chan tui.Update, 64)
	send := func(u tui.Update) error {
		select {
		case out <- u:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stateClient.Close()
		ticker := c.clock().Ticker(c.Refresh)
		defer ticker.Stop()
		for {
			state, err := stateClient.QueryServiceState(gctx, c.SessionsOnly)
			u := tui.Update{Err: err}
			if err == nil {
				u = tui.Update{Snapshot: &tui.Snapshot{
					Sessions:  state.Sessions,
					Producers: len(state.Producers),
					Started:   state.NumSessionsStarted,
				}}
			}
			if err := send(u); err != nil {
				return err
			}
			select {
			case <-ticker.C:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		defer eventClient.Close()
		err := eventClient.ObserveEvents(gctx, domain.EventTypes, func(batch []domain.Event) error {
			return send(tui.Update{Events: batch})
		})
		if err != nil && gctx.Err() == nil {
			send(tui.Update{Err: fmt.Errorf("event stream: %w", err)})
		}
		return err
	})

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			globals.Debug("ui feed stopped: %v", err)
		}
		close(out)
	}()
	return out, nil
}
