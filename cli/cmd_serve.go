package cli

import (
	"github.com/spf13/cobra"

	"property-sync/lens"
	"property-sync/pipeline"
	"property-sync/scheduler"
	"property-sync/server"
)

var (
	listenAddr  string
	noScheduler bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline with its HTTP surface and scheduled refreshes",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (default LISTEN_ADDR)")
	serveCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable scheduled refreshes")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := applyLens(a.pipeline); err != nil {
		return err
	}
	if lensPath != "" {
		w, err := lens.NewWatcher(lensPath, func(f *lens.File) {
			a.pipeline.SetUser(f.User)
			a.pipeline.SetFilter(f.Filters)
		}, logger)
		if err != nil {
			return err
		}
		go w.Run(ctx)
	}

	a.pipeline.Start(ctx)

	var sched server.Schedule
	if !noScheduler {
		trig := scheduler.NewTrigger()
		s, err := scheduler.New(schedulerConfig(cfg), trig, logger)
		if err != nil {
			return err
		}
		go s.Run(ctx)
		go a.pipeline.WatchTrigger(ctx, trig)
		sched = s
	}

	addr := listenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	return server.New(a.pipeline, sched, logger).Run(ctx, addr)
}

// applyLens sets the --lens filter and user before anything is displayed.
func applyLens(p *pipeline.Pipeline) error {
	f, err := loadLens()
	if err != nil {
		return err
	}
	if f.User != nil {
		p.SetUser(f.User)
	}
	p.SetFilter(f.Filters)
	return nil
}
