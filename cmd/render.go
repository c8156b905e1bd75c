package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/wisp/internal/fetch"
	"github.com/xkilldash9x/wisp/internal/observability"
	"github.com/xkilldash9x/wisp/internal/paint"
	"github.com/xkilldash9x/wisp/internal/pipeline"
)

// newRenderCmd creates and configures the `render` command.
func newRenderCmd() *cobra.Command {
	renderCmd := &cobra.Command{
		Use:   "render [url]",
		Short: "Loads a page and streams painted frames until interrupted",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("paint.trace_file", cmd.Flags().Lookup("trace-file")); err != nil {
				return err
			}
			if err := viper.BindPFlag("layout.viewport_width", cmd.Flags().Lookup("viewport-width")); err != nil {
				return err
			}
			if err := viper.BindPFlag("layout.viewport_height", cmd.Flags().Lookup("viewport-height")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal so the flag bindings from PreRunE take effect.
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
			}

			target := args[0]
			duration := viper.GetDuration("duration")

			logger.Info("Starting render",
				zap.String("url", target),
				zap.Float64("viewport_width", cfg.Layout.ViewportWidth),
				zap.Float64("viewport_height", cfg.Layout.ViewportHeight),
				zap.Duration("duration", duration),
			)

			frames := paint.NewChannelSurface(64)
			var surface paint.Surface = frames

			if cfg.Paint.TraceFile != "" {
				traceFile, err := os.Create(cfg.Paint.TraceFile)
				if err != nil {
					return fmt.Errorf("failed to open trace file: %w", err)
				}
				defer traceFile.Close()
				surface = paint.Tee(frames, paint.NewTraceSurface(traceFile))
				logger.Info("Tracing frames", zap.String("path", cfg.Paint.TraceFile))
			}

			p := pipeline.New(cfg, fetch.NewHTTPFetcher(cfg.Fetch, logger), surface, logger)

			if err := p.Navigate(ctx, target); err != nil {
				return fmt.Errorf("navigation failed: %w", err)
			}

			runCtx := ctx
			var cancel context.CancelFunc
			if duration > 0 {
				runCtx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			g, runCtx := errgroup.WithContext(runCtx)
			g.Go(func() error { return p.Run(runCtx) })
			g.Go(func() error { return consumeFrames(runCtx, frames, logger) })

			err := g.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("Render finished")
				return nil
			}
			return err
		},
	}

	renderCmd.Flags().StringP("trace-file", "t", "", "Write every submitted frame as a JSON line to this file.")
	renderCmd.Flags().Float64("viewport-width", 0, "Viewport width in pixels. (Overrides config/env)")
	renderCmd.Flags().Float64("viewport-height", 0, "Viewport height in pixels. (Overrides config/env)")
	renderCmd.Flags().Duration("duration", 0, "Stop rendering after this long. Zero runs until interrupted.")

	return renderCmd
}

// consumeFrames drains the surface and logs a summary per frame.
func consumeFrames(ctx context.Context, frames *paint.ChannelSurface, logger *zap.Logger) error {
	var commands int
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Frame stream closed",
				zap.Int("total_commands", commands),
				zap.Duration("elapsed", time.Since(start)))
			return ctx.Err()
		case batch := <-frames.Frames():
			commands += len(batch.Commands)
			logger.Info("Frame",
				zap.Uint64("seq", batch.Seq),
				zap.Int("commands", len(batch.Commands)),
				zap.Bool("partial", batch.Partial))
		}
	}
}
