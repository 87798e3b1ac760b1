package exports

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"bountyescrow/core/events"
	"bountyescrow/native/bounty"
)

func sampleEntries() []events.Entry {
	at := time.Unix(1_700_000_000, 0).UTC()
	return []events.Entry{
		{
			Seq:  1,
			Type: bounty.EventTypeDepositReceived,
			Attributes: map[string]string{
				bounty.AttrBountyID: "alpha",
				bounty.AttrFunder:   "0x00000000000000000000000000000000000000e2",
				bounty.AttrAsset:    "0x00000000000000000000000000000000000000c1",
				bounty.AttrAmount:   "990",
				"sequence":          "1",
			},
			RecordedAt: at,
		},
		{
			Seq:  2,
			Type: bounty.EventTypePayout,
			Attributes: map[string]string{
				bounty.AttrBountyID: "alpha",
				bounty.AttrPayee:    "0x00000000000000000000000000000000000000e3",
				bounty.AttrAsset:    "0x00000000000000000000000000000000000000c1",
				bounty.AttrAmount:   "990",
			},
			Evidence:   []byte{0x01},
			RecordedAt: at.Add(time.Minute),
		},
	}
}

func TestEventsCSV(t *testing.T) {
	data, sum, err := EventsCSV(sampleEntries())
	require.NoError(t, err)
	require.Len(t, sum, 64)

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, []string{"1", bounty.EventTypeDepositReceived, "alpha"}, records[1][:3])
	require.Equal(t, `{"sequence":"1"}`, records[1][10])
	require.Equal(t, "0x00000000000000000000000000000000000000e3", records[2][6])

	again, againSum, err := EventsCSV(sampleEntries())
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.Equal(t, sum, againSum)
}

func TestEventsJSONL(t *testing.T) {
	data, sum, err := EventsJSONL(sampleEntries())
	require.NoError(t, err)
	require.NotEmpty(t, sum)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var lines []map[string]interface{}
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.Equal(t, bounty.EventTypePayout, lines[1]["type"])
	require.Contains(t, lines[1], "evidence")
	require.NotContains(t, lines[0], "evidence")
}

func TestWriteEventsParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.parquet")
	sum, err := WriteEventsParquet(path, sampleEntries())
	require.NoError(t, err)
	require.Len(t, sum, 64)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, checksum(raw), sum)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())

	rows := make([]parquetRow, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, "alpha", rows[0].BountyID)
	require.Equal(t, "990", rows[1].Amount)
	require.Equal(t, int64(2), rows[1].Seq)
}

func TestWriteEventsSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	entries := sampleEntries()

	n, err := WriteEventsSQLite(ctx, path, entries[:1])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = WriteEventsSQLite(ctx, path, entries)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM bounty_events`).Scan(&count))
	require.Equal(t, 2, count)
	var payee, amount string
	require.NoError(t, db.QueryRow(`SELECT payee, amount FROM bounty_events WHERE seq = 2`).Scan(&payee, &amount))
	require.Equal(t, "0x00000000000000000000000000000000000000e3", payee)
	require.Equal(t, "990", amount)
}
