package render

import (
	"fmt"
	"image/color"
	"strconv"

	"github.com/fogleman/gg"

	"github.com/damwatch/server/internal/raster"
	"github.com/damwatch/server/pkg/colormap"
)

const legendPadding = 4

// RenderLegend draws one swatch per ramp bucket, left to right, with the
// minimum and maximum of the colour scale printed underneath.
func (r *RasterRenderer) RenderLegend(ramp colormap.Ramp, stats raster.Statistics, unit string) ([]byte, error) {
	if ramp.Len() == 0 {
		return nil, colormap.ErrEmptyRamp
	}
	w, h := r.config.LegendWidth, r.config.LegendHeight

	dc := gg.NewContext(w, h)
	dc.SetColor(color.NRGBA{R: 255, G: 255, B: 255, A: 220})
	dc.Clear()

	_, textH := dc.MeasureString("0")
	barTop := float64(legendPadding)
	barH := float64(h) - textH - 3*legendPadding
	if barH < 1 {
		barH = 1
	}
	barW := float64(w - 2*legendPadding)
	swatch := barW / float64(ramp.Len())

	for i := 0; i < ramp.Len(); i++ {
		dc.SetColor(ramp.RGBA(i))
		dc.DrawRectangle(legendPadding+float64(i)*swatch, barTop, swatch, barH)
		dc.Fill()
	}
	dc.SetColor(color.Black)
	dc.SetLineWidth(1)
	dc.DrawRectangle(legendPadding, barTop, barW, barH)
	dc.Stroke()

	labelY := float64(h - legendPadding)
	dc.DrawStringAnchored(FormatValue(stats.Min), legendPadding, labelY, 0, 0)
	maxLabel := FormatValue(stats.Max)
	if unit != "" {
		maxLabel = fmt.Sprintf("%s %s", maxLabel, unit)
	}
	dc.DrawStringAnchored(maxLabel, float64(w-legendPadding), labelY, 1, 0)

	return r.EncodePNG(dc.Image())
}

// FormatValue renders a scale value with two fractional digits.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
