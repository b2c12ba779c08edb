// Command rasterctl inspects and renders flood-extent GeoTIFFs from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/damwatch/server/internal/raster"
	"github.com/damwatch/server/internal/render"
	"github.com/damwatch/server/pkg/colormap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		band      int
		maxPixels int
	)

	rootCmd := &cobra.Command{
		Use:          "rasterctl",
		Long:         `Flood-map GeoTIFF statistics, bounds and PNG overlays`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().IntVar(&band, "band", 0, "Zero-based band to read")
	rootCmd.PersistentFlags().IntVar(&maxPixels, "max-pixels", raster.DefaultMaxPixels, "Refuse rasters with more pixels than this")

	statsCmd := &cobra.Command{
		Use:   "stats <file.tif>",
		Short: "Print the colour-scale range (min and 90th percentile)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := raster.LoadBand(cmd.Context(), args[0], band, raster.WithMaxPixels(maxPixels))
			if err != nil {
				return err
			}
			stats, err := raster.ComputeStatistics(g)
			if err != nil {
				return err
			}
			return printJSON(out, stats)
		},
	}

	var latLng bool
	boundsCmd := &cobra.Command{
		Use:   "bounds <file.tif> [--latlng]",
		Short: "Print the georeferenced extent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := raster.ExtractBounds(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if latLng {
				return printJSON(out, box.LatLng())
			}
			return printJSON(out, box)
		},
	}
	boundsCmd.Flags().BoolVar(&latLng, "latlng", false, "Print southWest/northEast corners instead of west/south/east/north")

	infoCmd := &cobra.Command{
		Use:   "info <file.tif>",
		Short: "Print raster layout and georeferencing metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := raster.ReadMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(out, md)
		},
	}

	var (
		colors     string
		rampName   string
		legendPath string
		unit       string
	)
	renderCmd := &cobra.Command{
		Use:   "render <file.tif> [--colors #RRGGBB,...|--ramp name] [--legend out.png]",
		Short: "Write a colour-bucketed PNG overlay next to the raster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ramp, err := resolveRamp(colors, rampName)
			if err != nil {
				return err
			}
			renderer := render.NewRasterRenderer(render.DefaultConfig())

			g, err := raster.LoadBand(cmd.Context(), args[0], band, raster.WithMaxPixels(maxPixels))
			if err != nil {
				return err
			}
			img, stats, err := render.Colorize(cmd.Context(), g, ramp)
			if err != nil {
				return err
			}
			data, err := renderer.EncodePNG(img)
			if err != nil {
				return err
			}
			pngPath := render.PNGPath(args[0])
			if err := os.WriteFile(pngPath, data, 0644); err != nil {
				return err
			}

			result := map[string]any{"png": pngPath, "min": stats.Min, "max": stats.Max}
			if legendPath != "" {
				legend, err := renderer.RenderLegend(ramp, stats, unit)
				if err != nil {
					return err
				}
				if err := os.WriteFile(legendPath, legend, 0644); err != nil {
					return err
				}
				result["legend"] = legendPath
			}
			return printJSON(out, result)
		},
	}
	renderCmd.Flags().StringVar(&colors, "colors", "", "Comma-separated #RRGGBB bucket colours, lowest first")
	renderCmd.Flags().StringVar(&rampName, "ramp", colormap.DefaultName,
		"Preset ramp when --colors is not given ("+strings.Join(colormap.Names(), ", ")+")")
	renderCmd.Flags().StringVar(&legendPath, "legend", "", "Also write a legend PNG to this path")
	renderCmd.Flags().StringVar(&unit, "unit", "", "Legend unit label")

	rampsCmd := &cobra.Command{
		Use:   "ramps",
		Short: "List preset colour ramps",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ramps := make(map[string][]string)
			for _, name := range colormap.Names() {
				r, _ := colormap.Named(name)
				ramps[name] = r.Hex()
			}
			return printJSON(out, ramps)
		},
	}

	rootCmd.AddCommand(statsCmd, boundsCmd, infoCmd, renderCmd, rampsCmd)
	return rootCmd
}

func resolveRamp(colors, name string) (colormap.Ramp, error) {
	if strings.TrimSpace(colors) != "" {
		return colormap.ParseRamp(strings.Split(colors, ","))
	}
	r, ok := colormap.Named(name)
	if !ok {
		return colormap.Ramp{}, fmt.Errorf("unknown ramp %q", name)
	}
	return r, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
