package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID         string `parquet:"name=id, type=UTF8"`
	Block      int64  `parquet:"name=block, type=INT64"`
	Seq        int32  `parquet:"name=seq, type=INT32"`
	Module     string `parquet:"name=module, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	XtxID      string `parquet:"name=xtx_id, type=UTF8"`
	Attributes string `parquet:"name=attributes, type=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=UTF8"`
}

// ExportParquet writes the events of blocks [from, to] into dir and returns
// the file path and row count.
func (s *Store) ExportParquet(ctx context.Context, dir string, from, to uint64) (string, int, error) {
	if to < from {
		return "", 0, fmt.Errorf("archive: export range %d..%d is empty", from, to)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("archive: export dir: %w", err)
	}
	rows, err := s.Events(ctx, Filter{FromBlock: from, ToBlock: to})
	if err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, fmt.Sprintf("events-%d-%d.parquet", from, to))
	if err := writeParquet(path, rows); err != nil {
		return "", 0, err
	}
	slog.Info("archive: exported", "path", path, "rows", len(rows))
	return path, len(rows), nil
}

func writeParquet(path string, rows []EventRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("archive: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			ID:         row.ID.String(),
			Block:      int64(row.Block),
			Seq:        int32(row.Seq),
			Module:     row.Module,
			Type:       row.Type,
			XtxID:      row.XtxID,
			Attributes: row.Attributes,
			CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("archive: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("archive: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("archive: close parquet file: %w", err)
	}
	return nil
}
