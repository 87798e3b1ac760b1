package exports

import (
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"bountyescrow/core/events"
)

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	BountyID   string `parquet:"name=bounty_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Actor      string `parquet:"name=actor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payee      string `parquet:"name=payee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Funder     string `parquet:"name=funder, type=BYTE_ARRAY, convertedtype=UTF8"`
	Tier       string `parquet:"name=tier, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteEventsParquet writes the journal entries to a snappy compressed
// parquet file at path and returns the SHA-256 checksum of the file.
func WriteEventsParquet(path string, entries []events.Entry) (string, error) {
	rows, err := Rows(entries)
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("exports: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(parquetRow), 1)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Seq:        int64(row.Seq),
			Type:       row.Type,
			BountyID:   row.BountyID,
			Actor:      row.Actor,
			Asset:      row.Asset,
			Amount:     row.Amount,
			Payee:      row.Payee,
			Funder:     row.Funder,
			Tier:       row.Tier,
			RecordedAt: row.RecordedAt.Format(time.RFC3339Nano),
			Attributes: row.Attributes,
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("exports: close parquet file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return checksum(data), nil
}
