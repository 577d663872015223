package cmd

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/iv-ingestion/ingest/cli/client"
	"github.com/iv-ingestion/ingest/cli/render"
	"github.com/iv-ingestion/ingest/cli/tui"
)

// statsResponse is the combined one-shot stats payload.
type statsResponse struct {
	Metrics *client.Metrics `json:"metrics"`
	Queues  *client.Queues  `json:"queues"`
}

// StatsCommand returns the stats command. One-shot by default; --follow
// opens the live dashboard.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show daemon metrics and queue depths",
		Flags: append(ReadOnlyFlags(),
			AddrFlag,
			TokenFlag,
			&cli.BoolFlag{
				Name:  "follow",
				Usage: "Live dashboard, refreshed continuously",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Refresh interval for --follow",
				Value: tui.DefaultPollInterval,
			},
		),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	cl := client.New(c.String("addr"), c.String("token"))

	if c.Bool("follow") {
		return tui.RunStatsTUI(cl, c.Duration("interval"))
	}

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	metrics, err := cl.Metrics(ctx)
	if err != nil {
		return err
	}
	queues, err := cl.Queues(ctx)
	if err != nil {
		return err
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(statsResponse{Metrics: metrics, Queues: queues})
}
