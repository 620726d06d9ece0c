package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/klauspost/compress/zip"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

var (
	ErrNoMetadata         = errors.New("archive has no metadata.json")
	ErrUnsupportedVersion = errors.New("unsupported archive version")
	ErrTableNotInArchive  = errors.New("table not in archive")
)

// RestoreOptions selects what to restore. Empty Tables restores every table
// listed in the archive metadata, in metadata order.
type RestoreOptions struct {
	Tables []string
}

// TableRestore reports the outcome for one table.
type TableRestore struct {
	Table    string `json:"table"`
	Rows     int    `json:"rows"`
	Inserted int64  `json:"inserted"`
}

// Restore loads rows from an archive's JSON files. Existing rows are kept;
// conflicting inserts are skipped. Each table commits in its own transaction.
func Restore(ctx context.Context, db *sql.DB, data []byte, opts RestoreOptions) ([]TableRestore, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	meta, err := readMetadata(files)
	if err != nil {
		return nil, err
	}

	tables := meta.TablesExported
	if len(opts.Tables) > 0 {
		for _, t := range opts.Tables {
			if !slices.Contains(meta.TablesExported, t) {
				return nil, fmt.Errorf("%w: %s", ErrTableNotInArchive, t)
			}
		}
		tables = lo.Filter(meta.TablesExported, func(t string, _ int) bool {
			return slices.Contains(opts.Tables, t)
		})
	}

	results := make([]TableRestore, 0, len(tables))
	for _, table := range tables {
		if err := ValidateTable(table); err != nil {
			return results, err
		}
		f, ok := files[table+".json"]
		if !ok {
			return results, fmt.Errorf("%w: %s.json", ErrTableNotInArchive, table)
		}
		records, err := readRecords(f)
		if err != nil {
			return results, fmt.Errorf("read %s: %w", table, err)
		}
		inserted, err := restoreTable(ctx, db, table, records)
		if err != nil {
			return results, err
		}
		results = append(results, TableRestore{Table: table, Rows: len(records), Inserted: inserted})
	}
	return results, nil
}

func readMetadata(files map[string]*zip.File) (*Metadata, error) {
	f, ok := files[MetadataFile]
	if !ok {
		return nil, ErrNoMetadata
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer rc.Close()

	var meta Metadata
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Version != MetadataVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, meta.Version)
	}
	return &meta, nil
}

func readRecords(f *zip.File) ([]map[string]any, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var records []map[string]any
	if err := dec.Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

func restoreTable(ctx context.Context, db *sql.DB, table string, records []map[string]any) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin %s restore: %w", table, err)
	}
	defer tx.Rollback()

	var inserted int64
	for _, rec := range records {
		columns := make([]string, 0, len(rec))
		for col := range rec {
			columns = append(columns, col)
		}
		sort.Strings(columns)

		values := make([]any, 0, len(columns))
		for _, col := range columns {
			v, err := columnValue(rec[col])
			if err != nil {
				return 0, fmt.Errorf("convert %s.%s: %w", table, col, err)
			}
			values = append(values, v)
		}

		query, args, err := sq.Insert(pq.QuoteIdentifier(table)).
			PlaceholderFormat(sq.Dollar).
			Columns(lo.Map(columns, func(c string, _ int) string { return pq.QuoteIdentifier(c) })...).
			Values(values...).
			Suffix("ON CONFLICT DO NOTHING").
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("build %s insert: %w", table, err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s restore: %w", table, err)
	}
	return inserted, nil
}

// columnValue maps a decoded JSON value to a driver argument. Nested
// objects and arrays go back in as JSON text.
func columnValue(v any) (any, error) {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return v.Float64()
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}
