package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/meigma/replaycache"
	"github.com/meigma/replaycache/ring"
)

var (
	residentColor = color.New(color.FgGreen)
	freeColor     = color.New(color.FgHiBlack)
	cursorColor   = color.New(color.FgYellow, color.Bold)
	headerColor   = color.New(color.FgCyan, color.Bold)
)

// writeBlocks lists blocks one per line, resident blocks in green, free
// space in grey and the eviction cursor marked in yellow.
func writeBlocks(w io.Writer, blocks []ring.BlockInfo) error {
	for _, b := range blocks {
		mark := " "
		if b.Cursor {
			mark = cursorColor.Sprint(">")
		}
		c, id := residentColor, b.ID
		if b.Free() {
			c, id = freeColor, "<free>"
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", mark,
			c.Sprintf("[%10d, %10d) %10d  %s", b.Offset, b.Offset+b.Size, b.Size, id)); err != nil {
			return err
		}
	}
	return nil
}

// writeStats prints the counters and the hit ratio.
func writeStats(w io.Writer, st replaycache.Stats, loads int) error {
	ratio := 0.0
	if loads > 0 {
		ratio = float64(st.Hits) / float64(loads) * 100
	}
	if _, err := headerColor.Fprintf(w, "cache %d/%d bytes, %d resident\n", st.Used, st.Size, st.Resident); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "loads=%d hits=%d (%.1f%%) misses=%d fetches=%d admitted=%d uncacheable=%d\n",
		loads, st.Hits, ratio, st.Misses, st.Fetches, st.Admitted, st.Uncacheable)
	return err
}
