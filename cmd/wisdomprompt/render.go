package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/CXL-edu/WisdomPrompt/internal/run"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()

	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// progressRenderer turns state snapshots into terminal progress lines. It
// only prints transitions, so replayed snapshots stay quiet.
type progressRenderer struct {
	mu  sync.Mutex
	out io.Writer

	taskStatus    map[int]run.TaskStatus
	taskSummaries map[int]bool
	answerOpen    bool
	bannerShown   string
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{
		out:           out,
		taskStatus:    make(map[int]run.TaskStatus),
		taskSummaries: make(map[int]bool),
	}
}

// Observe implements controller.Observer.
func (r *progressRenderer) Observe(snap run.Snapshot, p run.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range snap.Tasks {
		prev, seen := r.taskStatus[i]
		if !seen || prev != t.Status {
			r.taskStatus[i] = t.Status
			switch t.Status {
			case run.TaskLoading:
				fmt.Fprintf(r.out, "%s %s\n", cyan("▸ retrieving"), t.Name)
			case run.TaskDone:
				fmt.Fprintf(r.out, "%s %s %s\n", green("✓"), t.Name, gray(fmt.Sprintf("(%d sources)", len(t.Hits))))
			case run.TaskError:
				fmt.Fprintf(r.out, "%s %s: %s\n", red("✗"), t.Name, t.Err)
			}
		}
		if t.Summary != "" && !r.taskSummaries[i] {
			r.taskSummaries[i] = true
			fmt.Fprintf(r.out, "  %s %s\n", gray("summary:"), gray(firstLine(t.Summary, 80)))
		}
	}

	if snap.Streaming && !r.answerOpen {
		r.answerOpen = true
		fmt.Fprintf(r.out, "\n%s\n", headerStyle.Render("Answer"))
	}

	if snap.Banner != "" && snap.Banner != r.bannerShown {
		r.bannerShown = snap.Banner
		fmt.Fprintf(r.out, "%s %s\n", red("error:"), snap.Banner)
	}
}

func firstLine(s string, limit int) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > limit {
			return line[:limit] + "…"
		}
		return line
	}
	return ""
}

// renderAnswer prints the final answer, through glamour when stdout is a
// terminal and plain otherwise.
func renderAnswer(out io.Writer, answer string) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return
	}
	if !isTTY() {
		fmt.Fprintln(out, answer)
		return
	}
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 2
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Fprintln(out, answer)
		return
	}
	rendered, err := renderer.Render(answer)
	if err != nil {
		fmt.Fprintln(out, answer)
		return
	}
	fmt.Fprint(out, rendered)
}

// printSubTasks lists the current editable sub-task rows.
func printSubTasks(out io.Writer, names []string) {
	fmt.Fprintf(out, "\n%s\n", bold("Sub-tasks"))
	for i, name := range names {
		fmt.Fprintf(out, "  %d. %s\n", i+1, name)
	}
}
