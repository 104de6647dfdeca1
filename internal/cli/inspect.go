package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/config"
	"github.com/docmark/annotator/internal/geometry"
	"github.com/docmark/annotator/internal/render"
)

func newInspectCmd() *cobra.Command {
	var zoom int

	cmd := &cobra.Command{
		Use:   "inspect <file.pdf>",
		Short: "Load a PDF the way the viewer does and list its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			loader, closeLoader := newPageLoader(getConfig(cmd), getLogger(cmd))
			defer closeLoader()

			pages, err := loader.Load(cmd.Context(), data)
			if err != nil {
				category := render.Classify(err)
				return fmt.Errorf("%s (%s): %w", category.Message(), category, err)
			}
			return printPages(cmd.OutOrStdout(), pages, zoom)
		},
	}

	cmd.Flags().IntVar(&zoom, "zoom", geometry.DefaultZoom, "Zoom percentage used for the displayed size")
	return cmd
}

// newPageLoader builds the worker-backed loader with an in-process fallback.
func newPageLoader(cfg *config.Config, logger *zap.Logger) (*render.Loader, func()) {
	opener := render.NewPDFOpener(cfg.RenderScale, cfg.PageImageURL)
	pool := render.NewWorkerPool(opener, cfg.RenderWorkers, cfg.RenderWorkers)
	loader := render.NewLoader(pool, opener, render.LoaderOptions{
		WorkerTimeout:   cfg.RenderWorkerTimeout,
		FallbackTimeout: cfg.RenderFallbackTimeout,
		PageTimeout:     cfg.RenderPageTimeout,
	}, logger)
	return loader, pool.Close
}

func printPages(w io.Writer, pages []render.Page, zoom int) error {
	zoom = geometry.ClampZoom(zoom)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PAGE\tWIDTH\tHEIGHT\tDISPLAY@%d%%\tIMAGE\n", zoom)
	for _, p := range pages {
		vp := geometry.NewViewport(p.Width, p.Height).WithZoom(zoom)
		fmt.Fprintf(tw, "%d\t%.0f\t%.0f\t%.0fx%.0f\t%s\n",
			p.PageNumber, p.Width, p.Height, vp.ScaledWidth(), vp.ScaledHeight(), p.ImageURL)
	}
	return tw.Flush()
}
