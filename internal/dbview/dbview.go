// Package dbview renders the chat tables for a terminal.
package dbview

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gorm.io/gorm"
)

// Tables lists the tables shown by default, in display order.
var Tables = []string{"users", "chat_threads", "messages"}

const maxCellWidth = 60

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).MarginTop(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// RenderTable reads up to limit rows of name. Columns are taken from the
// result set, so rows written by older schemas still render; NULLs become
// empty cells.
func RenderTable(ctx context.Context, db *gorm.DB, name string, limit int) (string, error) {
	rows, err := db.WithContext(ctx).Table(name).Limit(limit).Rows()
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(columns...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	count := 0
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return "", fmt.Errorf("failed to read %s row: %w", name, err)
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatCell(v)
		}
		t.Row(cells...)
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	title := titleStyle.Render(fmt.Sprintf("%s (%d rows)", name, count))
	return title + "\n" + t.String(), nil
}

// RenderTables writes every table in names to w. A table that cannot be
// read is reported inline and does not stop the others.
func RenderTables(ctx context.Context, db *gorm.DB, w io.Writer, names []string, limit int) error {
	var failed []string
	for _, name := range names {
		out, err := RenderTable(ctx, db, name, limit)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", name, err)
			failed = append(failed, name)
			continue
		}
		fmt.Fprintln(w, out)
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not read tables: %s", strings.Join(failed, ", "))
	}
	return nil
}

func formatCell(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		s = string(val)
	case time.Time:
		s = val.Format(time.RFC3339)
	default:
		s = fmt.Sprint(val)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > maxCellWidth {
		s = string(r[:maxCellWidth-3]) + "..."
	}
	return s
}
