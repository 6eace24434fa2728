// Package cli renders the terminal reports of the teras programs: device inventory and parsing accuracy.
package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/teras/internal/devices"
	"golang.org/x/term"
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// IsTerminal reports whether stdout is a terminal, in which case reports are colored.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Report writes tables to a writer, optionally colored.
type Report struct {
	w     io.Writer
	color bool
}

// New creates a Report writing to w.
func New(w io.Writer, color bool) *Report {
	return &Report{w: w, color: color}
}

func (r *Report) title(s string) string {
	if !r.color {
		return fmt.Sprintf("*** %s ***", s)
	}
	return lipgloss.NewStyle().
		Background(lipgloss.Color("13")).
		Foreground(lipgloss.Color("0")).
		Bold(true).
		Padding(0, 2).
		Render(s)
}

func (r *Report) header(s string) string {
	if !r.color {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Underline(true).Render(s)
}

// Table writes the titled table with the first row as header. Columns are padded to their widest cell.
func (r *Report) Table(title string, rows [][]string) {
	_, _ = fmt.Fprintf(r.w, "\n%s\n\n", r.title(title))
	if len(rows) == 0 {
		return
	}
	var widths []int
	for _, row := range rows {
		for col, cell := range row {
			if col >= len(widths) {
				widths = append(widths, 0)
			}
			widths[col] = max(widths[col], displayWidth(cell))
		}
	}
	for rowIdx, row := range rows {
		parts := make([]string, len(row))
		for col, cell := range row {
			if rowIdx == 0 {
				cell = r.header(cell)
			}
			parts[col] = cell + strings.Repeat(" ", widths[col]-displayWidth(cell))
		}
		_, _ = fmt.Fprintf(r.w, "  %s\n", strings.TrimRight(strings.Join(parts, "  "), " "))
	}
}

// Inventory writes the host CPU and the GPUs tables.
func (r *Report) Inventory(inventory *devices.Inventory) {
	cpu := inventory.CPU
	vector := "-"
	switch {
	case cpu.AVX512:
		vector = "AVX512"
	case cpu.AVX2:
		vector = "AVX2"
	}
	r.Table("CPU", [][]string{
		{"Brand", "Platform", "Cores", "Threads", "GOMAXPROCS", "Vector"},
		{cpu.Brand, cpu.OperatingSystem + "/" + cpu.Architecture, fmt.Sprint(cpu.PhysicalCores),
			fmt.Sprint(cpu.LogicalCores), fmt.Sprint(cpu.GOMAXPROCS), vector},
	})
	if len(inventory.GPUs) == 0 {
		_, _ = fmt.Fprintf(r.w, "\nNo GPUs found.\n")
		return
	}
	rows := [][]string{{"#", "Name", "Used MiB", "Free MiB", "Total MiB", "Util"}}
	for _, gpu := range inventory.GPUs {
		rows = append(rows, []string{fmt.Sprint(gpu.Index), gpu.Name, orNA(gpu.MemoryUsedMiB),
			orNA(gpu.MemoryFreeMiB), orNA(gpu.MemoryTotalMiB), orNA(gpu.UtilizationPercent) + "%"})
	}
	r.Table("GPUs", rows)
}

func orNA(value int) string {
	if value < 0 {
		return "N/A"
	}
	return fmt.Sprint(value)
}

// Accuracy writes the unlabeled attachment score: the fraction of tokens whose predicted head is correct.
func (r *Report) Accuracy(correct, total int) {
	var uas float64
	if total > 0 {
		uas = 100 * float64(correct) / float64(total)
	}
	r.Table("Evaluation", [][]string{
		{"Tokens", "Correct heads", "UAS"},
		{fmt.Sprint(total), fmt.Sprint(correct), fmt.Sprintf("%.2f%%", uas)},
	})
}
