package exports

import (
	"bytes"
	"encoding/json"
	"time"

	"bountyescrow/core/events"
)

// EventsJSONL builds a JSON Lines export for the supplied journal entries and
// returns the serialised payload alongside a checksum.
func EventsJSONL(entries []events.Entry) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, entry := range entries {
		payload := map[string]interface{}{
			"seq":         entry.Seq,
			"type":        entry.Type,
			"attributes":  entry.Attributes,
			"recorded_at": entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if len(entry.Evidence) > 0 {
			payload["evidence"] = entry.Evidence
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
