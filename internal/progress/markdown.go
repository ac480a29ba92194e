package progress

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

const (
	title         = "# Pipeline Progress"
	stagesHeader  = "## Stages"
	resumeHeader  = "## Resume Info"
	tableHeader   = "| # | Stage | Status | Started | Completed | Duration | Notes |"
	tableDivider  = "|---|-------|--------|---------|-----------|----------|-------|"
	emptyCell     = "—"
	timeLayout    = time.RFC3339
	durationRound = 100 * time.Millisecond
)

// Render returns the Markdown form of d.
func Render(d *Document) string {
	var sb strings.Builder
	sb.WriteString(title + "\n\n")
	fmt.Fprintf(&sb, "- **Job**: %s\n", d.JobID)
	fmt.Fprintf(&sb, "- **Pipeline**: %s\n", d.Pipeline)
	fmt.Fprintf(&sb, "- **Status**: %s\n", d.Status)
	fmt.Fprintf(&sb, "- **Started**: %s\n", formatTime(d.StartedAt))
	fmt.Fprintf(&sb, "- **Prompt**: %s\n", d.Prompt)
	sb.WriteString("\n" + stagesHeader + "\n\n")
	sb.WriteString(tableHeader + "\n")
	sb.WriteString(tableDivider + "\n")
	for _, r := range d.Records {
		fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s | %s | %s |\n",
			r.Number,
			escapeCell(r.Name),
			r.Status,
			formatTime(r.StartedAt),
			formatTime(r.CompletedAt),
			formatDuration(r.Duration),
			orEmpty(escapeCell(r.Notes)),
		)
	}
	sb.WriteString("\n" + resumeHeader + "\n\n")
	fmt.Fprintf(&sb, "Last completed stage: %d\n", d.LastCompleted())
	fmt.Fprintf(&sb, "Next stage to run: %d\n", d.NextStage())
	return sb.String()
}

// Parse reads a document produced by Render. Resume info is derived, so it
// is not read back.
func Parse(text string) (*Document, error) {
	d := &Document{}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	sawTitle, inTable := false, false
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == title:
			sawTitle = true
		case strings.HasPrefix(trimmed, "- **"):
			key, value, ok := parseBullet(trimmed)
			if !ok {
				continue
			}
			switch key {
			case "Job":
				d.JobID = value
			case "Pipeline":
				d.Pipeline = value
			case "Status":
				d.Status = Status(value)
			case "Started":
				t, err := parseTime(value)
				if err != nil {
					return nil, parseError(lineNo, err)
				}
				d.StartedAt = t
			case "Prompt":
				d.Prompt = value
			}
		case trimmed == tableHeader:
			inTable = true
		case trimmed == tableDivider:
		case inTable && strings.HasPrefix(trimmed, "|"):
			r, err := parseRow(trimmed)
			if err != nil {
				return nil, parseError(lineNo, err)
			}
			d.Records = append(d.Records, r)
		default:
			inTable = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawTitle {
		return nil, errors.NewValidationError("not a progress document").WithField("title")
	}
	return d, nil
}

func parseError(line int, err error) error {
	return errors.NewValidationError(fmt.Sprintf("progress line %d", line)).WithCause(err)
}

func parseBullet(line string) (key, value string, ok bool) {
	rest := strings.TrimPrefix(line, "- **")
	i := strings.Index(rest, "**:")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], strings.TrimSpace(rest[i+3:]), true
}

func parseRow(line string) (Record, error) {
	cells := splitRow(line)
	if len(cells) != 7 {
		return Record{}, fmt.Errorf("expected 7 cells, got %d", len(cells))
	}
	n, err := strconv.Atoi(cells[0])
	if err != nil {
		return Record{}, fmt.Errorf("bad stage number %q", cells[0])
	}
	status := Status(cells[2])
	if !status.Valid() {
		return Record{}, fmt.Errorf("unknown status %q", cells[2])
	}
	started, err := parseTime(cells[3])
	if err != nil {
		return Record{}, err
	}
	completed, err := parseTime(cells[4])
	if err != nil {
		return Record{}, err
	}
	dur, err := parseDuration(cells[5])
	if err != nil {
		return Record{}, err
	}
	notes := cells[6]
	if notes == emptyCell {
		notes = ""
	}
	return Record{
		Number:      n,
		Name:        cells[1],
		Status:      status,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    dur,
		Notes:       notes,
	}, nil
}

// splitRow splits a table row on unescaped pipes and unescapes the cells.
func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	if strings.HasSuffix(line, "|") && !strings.HasSuffix(line, `\|`) {
		line = line[:len(line)-1]
	}
	var cells []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '\\' && i+1 < len(line) && (line[i+1] == '|' || line[i+1] == '\\') {
			cur.WriteByte(line[i+1])
			i++
			continue
		}
		if c == '|' {
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	cells = append(cells, strings.TrimSpace(cur.String()))
	return cells
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

func orEmpty(s string) string {
	if s == "" {
		return emptyCell
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return emptyCell
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" || s == emptyCell {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t.UTC(), nil
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return emptyCell
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 1, 64) + "s"
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == emptyCell {
		return 0, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	return time.Duration(math.Round(f*10)) * durationRound, nil
}
