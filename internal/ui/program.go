package ui

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/muurk/netaudio/internal/control"
)

// Printer writes styled CLI output to a writer.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a new Printer that writes to the given writer.
// If w is nil, os.Stdout is used.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{
		out:   w,
		width: GetTerminalWidth(),
	}
}

// Width returns the current terminal width used by this printer
func (p *Printer) Width() int {
	return p.width
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// PrintHeader prints a command header box
func (p *Printer) PrintHeader(title, command string, params ...Param) {
	p.Println(NewHeader(title, command, params...).SetWidth(p.width).Render())
}

// PrintSuccess prints a success result box
func (p *Printer) PrintSuccess(title string, details ...Param) {
	p.Println(NewSuccessResult(title, details...).SetWidth(p.width).Render())
}

// PrintError prints a failure box. Control errors get their troubleshooting
// hint and short message.
func (p *Printer) PrintError(title string, err error) {
	hint := ""
	var ce *control.ControlError
	if errors.As(err, &ce) {
		hint = control.Hint(err)
		err = fmt.Errorf("%s", control.ShortMessage(err))
	}
	p.Println(NewFailureResult(title, err, hint).SetWidth(p.width).Render())
}
