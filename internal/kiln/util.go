package kiln

import (
	"fmt"
	"io"
	"os"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

// cPrintln prints a line with the given style or falls back to fmt.Println when nil
func cPrintln(p colorPrinter, a ...any) {
	if p == nil {
		fmt.Println(a...)
		return
	}
	p.Println(a...)
}

// status prints an arrow-prefixed status line. When w is not stdout the
// line is written uncolored, which keeps build logs free of escape codes.
func status(w io.Writer, format string, a ...any) {
	if w == nil || w == os.Stdout {
		colArrow.Print("-> ")
		colSuccess.Printf(format+"\n", a...)
		return
	}
	fmt.Fprintf(w, "-> "+format+"\n", a...)
}

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}
