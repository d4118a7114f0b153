package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format Format
	writer io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatJSON:
		return p.printJSON(data)
	case FormatYAML:
		return p.printYAML(data)
	default:
		// Table and Wide are handled by specific methods
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset     = "\033[0m"
	Bold      = "\033[1m"
	Red       = "\033[31m"
	Green     = "\033[32m"
	Yellow    = "\033[33m"
	Blue      = "\033[34m"
	Magenta   = "\033[35m"
	Cyan      = "\033[36m"
	Gray      = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// SessionRow represents one session in table output, the CLI's analogue of
// the teacher's function-list row.
type SessionRow struct {
	ID         string `json:"id" yaml:"id"`
	Status     string `json:"status" yaml:"status"`
	EntityID   string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	UserID     string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Created    string `json:"created" yaml:"created"`
	LastActive string `json:"last_active" yaml:"last_active"`
	ExpiresAt  string `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// PrintSessions prints a session list.
func (p *Printer) PrintSessions(rows []SessionRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No sessions found")
		return nil
	}

	w := p.TableWriter()

	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tSTATUS\tENTITY\tUSER\tCREATED\tLAST_ACTIVE\tEXPIRES"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tSTATUS\tLAST_ACTIVE"))
	}

	for _, row := range rows {
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.ID),
				statusColor(p, row.Status),
				row.EntityID,
				row.UserID,
				row.Created,
				row.LastActive,
				row.ExpiresAt,
			)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				p.Colorize(Cyan, row.ID),
				statusColor(p, row.Status),
				row.LastActive,
			)
		}
	}

	return w.Flush()
}

func statusColor(p *Printer, status string) string {
	switch strings.ToLower(status) {
	case "active":
		return p.Colorize(Green, status)
	case "error":
		return p.Colorize(Red, status)
	case "terminated":
		return p.Colorize(Gray, status)
	default:
		return p.Colorize(Yellow, status)
	}
}

// ExecResult represents a /exec response, the CLI's analogue of the
// teacher's invocation result.
type ExecResult struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	Stdout    string `json:"stdout" yaml:"stdout"`
	Stderr    string `json:"stderr" yaml:"stderr"`
	HasState  bool   `json:"has_state" yaml:"has_state"`
	StateSize int    `json:"state_size,omitempty" yaml:"state_size,omitempty"`
}

// PrintExecResult prints a code execution result.
func (p *Printer) PrintExecResult(result ExecResult) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(result)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Session:"), result.SessionID)
	if result.Stdout != "" {
		fmt.Fprintf(p.writer, "%s\n%s\n", p.Colorize(Bold, "Stdout:"), result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(p.writer, "%s\n%s\n", p.Colorize(Bold, "Stderr:"), p.Colorize(Red, result.Stderr))
	}
	if result.HasState {
		fmt.Fprintf(p.writer, "%s %d bytes\n", p.Colorize(Bold, "State captured:"), result.StateSize)
	}
	return nil
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
