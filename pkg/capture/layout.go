package capture

import (
	"fmt"
	"strings"
)

const insetMargin = 16

// OverlayFilter builds a filter_complex graph that draws the video of every
// input after the first as a quarter-size inset over the first one, stacked
// up from the bottom-right corner. inputs are ffmpeg input indices.
func OverlayFilter(inputs []int) (graph string, out string) {
	if len(inputs) == 0 {
		return "", ""
	}
	out = fmt.Sprintf("[%d:v]", inputs[0])
	if len(inputs) == 1 {
		return "", out
	}
	var parts []string
	for k, in := range inputs[1:] {
		pip := fmt.Sprintf("[pip%d]", k+1)
		next := fmt.Sprintf("[out%d]", k+1)
		parts = append(parts,
			fmt.Sprintf("[%d:v]scale=iw/4:-2%s", in, pip),
			fmt.Sprintf("%s%soverlay=W-w-%d:H-(h+%d)*%d%s", out, pip, insetMargin, insetMargin, k+1, next),
		)
		out = next
	}
	return strings.Join(parts, ";"), out
}
