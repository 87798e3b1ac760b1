package exports

import (
	"encoding/json"
	"time"

	"bountyescrow/core/events"
	"bountyescrow/native/bounty"
)

// Row is the flattened export form of one journal entry. Attributes not
// promoted to columns are kept as a JSON object.
type Row struct {
	Seq        uint64
	Type       string
	BountyID   string
	Actor      string
	Asset      string
	Amount     string
	Payee      string
	Funder     string
	Tier       string
	RecordedAt time.Time
	Attributes string
}

var promoted = []string{
	bounty.AttrBountyID,
	bounty.AttrActor,
	bounty.AttrAsset,
	bounty.AttrAmount,
	bounty.AttrPayee,
	bounty.AttrFunder,
	bounty.AttrTier,
}

// Rows flattens journal entries in sequence order.
func Rows(entries []events.Entry) ([]Row, error) {
	rows := make([]Row, 0, len(entries))
	for _, entry := range entries {
		rest := make(map[string]string, len(entry.Attributes))
		for k, v := range entry.Attributes {
			rest[k] = v
		}
		for _, key := range promoted {
			delete(rest, key)
		}
		encoded, err := json.Marshal(rest)
		if err != nil {
			return nil, err
		}
		attrs := entry.Attributes
		rows = append(rows, Row{
			Seq:        entry.Seq,
			Type:       entry.Type,
			BountyID:   attrs[bounty.AttrBountyID],
			Actor:      attrs[bounty.AttrActor],
			Asset:      attrs[bounty.AttrAsset],
			Amount:     attrs[bounty.AttrAmount],
			Payee:      attrs[bounty.AttrPayee],
			Funder:     attrs[bounty.AttrFunder],
			Tier:       attrs[bounty.AttrTier],
			RecordedAt: entry.RecordedAt.UTC(),
			Attributes: string(encoded),
		})
	}
	return rows, nil
}
