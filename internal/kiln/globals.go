package kiln

import (
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// We use a value of 1 while the install tree is being mutated and 0 otherwise.
var isCriticalAtomic atomic.Int32

var (
	Debug     bool
	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
	arch      = runtime.GOARCH

	ConfigFile = "/etc/kiln.conf"
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
