// Package console owns the operator terminal: the port banner, notices,
// the rotating liveness line and the "press any key" prompts.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Assignment is one resolved stream shown in the banner.
type Assignment struct {
	Role string
	Port string
}

// Console serialises writes from concurrent tasks onto one terminal.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	in  io.Reader

	// statusLine is set while the cursor sits on a \r-rewritten line.
	statusLine bool

	titleStyle  lipgloss.Style
	portStyle   lipgloss.Style
	noticeStyle lipgloss.Style
	dimStyle    lipgloss.Style
}

// New returns a Console writing to out and reading prompt keys from in.
// Styles are rendered for out, so plain writers get plain text.
func New(out io.Writer, in io.Reader) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		out:         out,
		in:          in,
		titleStyle:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		portStyle:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("229")),
		noticeStyle: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		dimStyle:    r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// Banner lists the port assigned to every role.
func (c *Console) Banner(title string, assignments []Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()

	fmt.Fprintln(c.out, c.titleStyle.Render(title))
	for _, a := range assignments {
		fmt.Fprintf(c.out, "%s >> %s\n", a.Role, c.portStyle.Render(a.Port))
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, c.dimStyle.Render("Please check if the connection matches with the ports"))
	fmt.Fprintln(c.out)
}

// Println writes a plain line.
func (c *Console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	fmt.Fprintln(c.out, msg)
}

// Notice writes a highlighted line, starting on a fresh line if the
// liveness indicator is on screen.
func (c *Console) Notice(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	fmt.Fprintln(c.out, c.noticeStyle.Render(msg))
}

// Status overwrites the current status line.
func (c *Console) Status(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "\r"+text)
	c.statusLine = true
}

// EndStatus moves past the status line so it stays on screen.
func (c *Console) EndStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
}

// Prompt prints msg and blocks until the operator presses a key. On a
// terminal a single raw keypress is enough; otherwise one byte or EOF.
func (c *Console) Prompt(msg string) {
	c.mu.Lock()
	c.breakLine()
	fmt.Fprint(c.out, msg)
	c.mu.Unlock()

	waitKey(c.in)

	c.mu.Lock()
	fmt.Fprintln(c.out)
	c.mu.Unlock()
}

func (c *Console) breakLine() {
	if c.statusLine {
		fmt.Fprintln(c.out)
		c.statusLine = false
	}
}

func waitKey(in io.Reader) {
	if in == nil {
		return
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if state, err := term.MakeRaw(int(f.Fd())); err == nil {
			defer term.Restore(int(f.Fd()), state)
		}
	}
	var b [1]byte
	in.Read(b[:])
}
