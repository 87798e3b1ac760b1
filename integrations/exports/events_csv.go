package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"

	"bountyescrow/core/events"
)

var csvHeader = []string{"seq", "type", "bounty_id", "actor", "asset", "amount", "payee", "funder", "tier", "recorded_at", "attributes"}

// EventsCSV builds a CSV export for the supplied journal entries and returns
// the serialised data alongside a SHA-256 checksum of the payload.
func EventsCSV(entries []events.Entry) ([]byte, string, error) {
	rows, err := Rows(entries)
	if err != nil {
		return nil, "", err
	}
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Seq, 10),
			row.Type,
			row.BountyID,
			row.Actor,
			row.Asset,
			row.Amount,
			row.Payee,
			row.Funder,
			row.Tier,
			row.RecordedAt.Format(time.RFC3339Nano),
			row.Attributes,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
