package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/immunity/internal/events"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
	"github.com/fyrsmithlabs/immunity/internal/monitor"
)

var (
	watchInterval time.Duration
	watchNoHealth bool
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "health poll interval")
	watchCmd.Flags().BoolVar(&watchNoHealth, "no-health", false, "do not poll the daemon's /health endpoint")
}

// watchCmd runs the live dashboard
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of step and pattern events",
	Long: `Subscribe to the daemon's outcome events over NATS and show verdicts,
repairs and pattern activity as they happen. Requires --nats.

Examples:
  immunity watch --nats nats://127.0.0.1:4222`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if natsURL == "" {
		return fmt.Errorf("watch needs --nats: events are only published over NATS")
	}

	nc, err := nats.Connect(natsURL, nats.Name("immunity-watch"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	feed := make(chan immunity.Event, 256)
	forward := func(e immunity.Event) {
		select {
		case feed <- e:
		default:
			// Dashboard is behind; drop rather than stall the NATS reader.
		}
	}
	for _, subject := range []string{events.StepEvents(natsPrefix), events.PatternEvents(natsPrefix)} {
		sub, err := events.Subscribe(nc, subject, forward)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	var health *monitor.HealthClient
	if !watchNoHealth {
		health = monitor.NewHealthClient(serverURL)
	}

	model := monitor.NewModel(feed, natsURL, health, watchInterval)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	if err != nil && cmd.Context().Err() != nil {
		return nil
	}
	return err
}
