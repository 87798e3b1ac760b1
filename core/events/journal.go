package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"bountyescrow/core/types"
)

var (
	bucketJournal = []byte("journal")

	// ErrJournalClosed is returned when appending to a closed journal.
	ErrJournalClosed = errors.New("events: journal closed")
)

// Entry is one persisted journal record.
type Entry struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Evidence   []byte            `json:"evidence,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Event converts the entry back into a ledger event.
func (e Entry) Event() *types.Event {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &types.Event{Type: e.Type, Attributes: attrs, Evidence: append([]byte(nil), e.Evidence...)}
}

// Journal is an append-only bbolt log of every emitted event. It satisfies
// Emitter so it can be attached directly to the state manager.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// OpenJournal opens (or creates) the journal file at path.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJournal)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, nowFn: time.Now}, nil
}

// SetNowFunc overrides the clock used to stamp entries.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now != nil {
		j.nowFn = now
	}
}

// Close releases the underlying bbolt handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append persists the event and returns its sequence number.
func (j *Journal) Append(evt Event) (uint64, error) {
	if j == nil || j.db == nil {
		return 0, ErrJournalClosed
	}
	entry := Entry{Type: evt.EventType(), RecordedAt: j.nowFn().UTC()}
	if typed, ok := evt.(*types.Event); ok && typed != nil {
		clone := typed.Clone()
		entry.Attributes = clone.Attributes
		entry.Evidence = clone.Evidence
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJournal)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), encoded)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return 0, ErrJournalClosed
	}
	if err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

// Emit implements the Emitter interface. Persistence failures are logged
// because emitters run after the ledger transaction has committed.
func (j *Journal) Emit(evt Event) {
	if evt == nil {
		return
	}
	if _, err := j.Append(evt); err != nil {
		j.logger.Error("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Entries returns up to limit entries with a sequence number >= fromSeq. A
// non-positive limit returns every remaining entry.
func (j *Journal) Entries(fromSeq uint64, limit int) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketJournal).Cursor()
		for k, v := cursor.Seek(seqKey(fromSeq)); k != nil; k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Last returns the highest sequence number written so far.
func (j *Journal) Last() (uint64, error) {
	var seq uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketJournal).Cursor().Last()
		if k != nil {
			seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return seq, err
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}
