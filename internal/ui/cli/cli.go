// Package cli prints the progress of the self-play and training loop in the terminal.
package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// terminalWidth of stdout, or 0 if it is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// writeCentered writes each line of block centered in the given width.
func writeCentered(w io.Writer, block string, width int) {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((width-blockWidth)/2, 0)
	for _, line := range lines {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(w)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}

// PrintCentered prints block centered in the terminal.
func PrintCentered(block string) {
	writeCentered(os.Stdout, block, terminalWidth())
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 2)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("13")).
			Padding(0, 1)

	decisionColors = map[string]lipgloss.Color{
		"Promote": lipgloss.Color("10"),
		"Revert":  lipgloss.Color("9"),
		"Keep":    lipgloss.Color("11"),
	}
)

// IterationSummary holds what is reported at the end of each iteration.
type IterationSummary struct {
	Iteration               int
	NewWins, BestWins, Draw int
	Decision                string
	Tasks, Memories         int
	QLoss, PolicyLoss       float32
	Trained                 bool
}

// FormatIteration renders the summary as a styled panel.
func FormatIteration(summary IterationSummary) string {
	decisionStyle := lipgloss.NewStyle().Bold(true)
	if color, found := decisionColors[summary.Decision]; found {
		decisionStyle = decisionStyle.Foreground(color)
	}
	lines := []string{
		titleStyle.Render(fmt.Sprintf("Iteration %d", summary.Iteration)),
		fmt.Sprintf("Results:  %d new / %d best / %d draws", summary.NewWins, summary.BestWins, summary.Draw),
		fmt.Sprintf("Decision: %s", decisionStyle.Render(summary.Decision)),
		fmt.Sprintf("Memories: %d tasks, %d memories", summary.Tasks, summary.Memories),
	}
	if summary.Trained {
		lines = append(lines, fmt.Sprintf("Losses:   ~q=%.4f, ~policy=%.4f", summary.QLoss, summary.PolicyLoss))
	} else {
		lines = append(lines, "Losses:   not enough experience to train")
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

// PrintIteration prints the iteration summary centered in the terminal.
func PrintIteration(summary IterationSummary) {
	fmt.Println()
	PrintCentered(FormatIteration(summary))
}
