package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/lib/pq"
)

// DefaultTables is the export set in dependency order, so a restore can
// insert parents before children.
var DefaultTables = []string{
	"subscribers",
	"mailing_lists",
	"list_subscribers",
	"newsletters",
	"newsletter_posts",
	"email_events",
}

const DefaultPageSize = 1000

var ErrInvalidTableName = errors.New("invalid table name")

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateTable rejects names that are not plain Postgres identifiers.
func ValidateTable(name string) error {
	if len(name) > 63 || !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return nil
}

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
)

// TableExport is the in-memory dump of one table. Rows are aligned with Columns.
type TableExport struct {
	Table   string
	Columns []string
	Rows    [][]any
	Outcome Outcome
	Err     error
}

// Warning returns the ledger warning for a partial export, or nil.
func (t *TableExport) Warning() *model.TableWarning {
	if t.Outcome != OutcomePartial {
		return nil
	}
	msg := ""
	if t.Err != nil {
		msg = t.Err.Error()
	}
	return &model.TableWarning{Table: t.Table, RowsExported: len(t.Rows), Error: msg}
}

// Records returns the rows keyed by column name.
func (t *TableExport) Records() []map[string]any {
	records := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, col := range t.Columns {
			rec[col] = row[i]
		}
		records = append(records, rec)
	}
	return records
}

// JSON encodes the rows as a pretty-printed array. Zero rows encode as [].
func (t *TableExport) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(t.Records(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s json: %w", t.Table, err)
	}
	return data, nil
}

// CSV encodes the rows with a header line, which is written even for an
// empty table.
func (t *TableExport) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, fmt.Errorf("encode %s csv header: %w", t.Table, err)
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			record[i] = csvField(v)
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("encode %s csv: %w", t.Table, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush %s csv: %w", t.Table, err)
	}
	return buf.Bytes(), nil
}

func csvField(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// Exporter pages through tables with a fixed, deterministic ordering.
type Exporter struct {
	db       *sql.DB
	pageSize int
	logger   *slog.Logger
}

func NewExporter(db *sql.DB, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{db: db, pageSize: DefaultPageSize, logger: logger}
}

// Export dumps every table in order. A failing table never stops the others.
func (e *Exporter) Export(ctx context.Context, tables []string) []*TableExport {
	exports := make([]*TableExport, 0, len(tables))
	for _, table := range tables {
		exports = append(exports, e.ExportTable(ctx, table))
	}
	return exports
}

// ExportTable reads the table page by page until a short page. A page error
// keeps the rows already read and marks the export partial.
func (e *Exporter) ExportTable(ctx context.Context, table string) *TableExport {
	out := &TableExport{Table: table, Rows: [][]any{}, Outcome: OutcomeOK}
	if err := ValidateTable(table); err != nil {
		out.Outcome, out.Err = OutcomePartial, err
		return out
	}

	offset := 0
	for {
		n, err := e.readPage(ctx, out, offset)
		if err != nil {
			out.Outcome, out.Err = OutcomePartial, err
			e.logger.Warn("table export stopped early", "table", table, "rows", len(out.Rows), "error", err)
			break
		}
		if n < e.pageSize {
			break
		}
		offset += n
	}

	e.logger.Debug("table exported", "table", table, "rows", len(out.Rows), "outcome", out.Outcome)
	return out
}

func (e *Exporter) pageQuery(table string, offset int) (string, []any, error) {
	return sq.Select("*").
		From(pq.QuoteIdentifier(table)).
		OrderBy("1").
		Limit(uint64(e.pageSize)).
		Offset(uint64(offset)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func (e *Exporter) readPage(ctx context.Context, out *TableExport, offset int) (int, error) {
	query, args, err := e.pageQuery(out.Table, offset)
	if err != nil {
		return 0, fmt.Errorf("build page query: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query %s at offset %d: %w", out.Table, offset, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("read %s columns: %w", out.Table, err)
	}
	if out.Columns == nil {
		out.Columns = cols
	}

	var page [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, fmt.Errorf("scan %s row: %w", out.Table, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		page = append(page, values)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate %s at offset %d: %w", out.Table, offset, err)
	}

	out.Rows = append(out.Rows, page...)
	return len(page), nil
}
