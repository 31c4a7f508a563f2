package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// isDumbTerminal reports whether colour escapes should be left out of
// the output: stdout is not a terminal or TERM says it can't do them.
func isDumbTerminal() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	fd := os.Stdout.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

// getColorableWriter returns stdout, wrapped on Windows so that ANSI
// escapes are translated.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
