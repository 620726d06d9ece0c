package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	ArchivePrefix   = "newsletter-backup-"
	ArchiveExt      = ".zip"
	MetadataFile    = "metadata.json"
	MetadataVersion = "1.0"
)

// Entry is one file inside an archive.
type Entry struct {
	Name string
	Data []byte
}

// Archive is a finished zip held in memory.
type Archive struct {
	Name string
	Data []byte
	Size int64
}

// Metadata describes the contents of an archive.
type Metadata struct {
	ExportDate     time.Time `json:"export_date"`
	TablesExported []string  `json:"tables_exported"`
	Version        string    `json:"version"`
}

// ArchiveName returns the file name for an archive created at t. Names sort
// lexically in creation order.
func ArchiveName(t time.Time) string {
	return ArchivePrefix + t.UTC().Format("2006-01-02T15-04-05Z") + ArchiveExt
}

// IsArchiveName reports whether name looks like an archive written by this package.
func IsArchiveName(name string) bool {
	return strings.HasPrefix(name, ArchivePrefix) && strings.HasSuffix(name, ArchiveExt)
}

// BuildArchive writes entries into a zip at maximum deflate compression. It
// returns only after the central directory has been flushed.
func BuildArchive(name string, entries []Entry, modified time.Time) (*Archive, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("create archive entry %s: %w", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, fmt.Errorf("write archive entry %s: %w", e.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	return &Archive{Name: name, Data: buf.Bytes(), Size: int64(buf.Len())}, nil
}

// archiveEntries encodes each export as <table>.json and <table>.csv, in
// order, followed by metadata.json.
func archiveEntries(exports []*TableExport, now time.Time) ([]Entry, error) {
	entries := make([]Entry, 0, 2*len(exports)+1)
	tables := make([]string, 0, len(exports))
	for _, t := range exports {
		js, err := t.JSON()
		if err != nil {
			return nil, err
		}
		cs, err := t.CSV()
		if err != nil {
			return nil, err
		}
		entries = append(entries,
			Entry{Name: t.Table + ".json", Data: js},
			Entry{Name: t.Table + ".csv", Data: cs},
		)
		tables = append(tables, t.Table)
	}

	meta, err := json.MarshalIndent(Metadata{
		ExportDate:     now.UTC(),
		TablesExported: tables,
		Version:        MetadataVersion,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return append(entries, Entry{Name: MetadataFile, Data: meta}), nil
}
