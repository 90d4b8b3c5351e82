package ifap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ifap/ifapfs/internal/imapbackend"
)

// snapshotWire is the on-disk shape of a snapshot's payload: a
// condensed Index covering every sequence up to Highwater (spec §4.7,
// resolving the original's unspecified FIXME per the Open Questions
// list).
type snapshotWire struct {
	Highwater uint32              `json:"highwater"`
	Entries   []snapshotEntryWire `json:"entries"`
}

type snapshotEntryWire struct {
	Path     string           `json:"path"`
	Metadata map[string]any   `json:"metadata"`
	History  []uint32         `json:"history"`
	Deleted  bool             `json:"deleted,omitempty"`
}

// MaterializeSnapshot serializes idx's current state into a snapshot
// payload suitable for encoding as the reserved-path object.
func MaterializeSnapshot(idx *Index) ([]byte, error) {
	all := idx.snapshotEntries()
	wire := snapshotWire{
		Highwater: uint32(idx.Highwater()),
		Entries:   make([]snapshotEntryWire, 0, len(all)),
	}
	for path, e := range all {
		hist := make([]uint32, len(e.History))
		for i, s := range e.History {
			hist[i] = uint32(s)
		}
		wire.Entries = append(wire.Entries, snapshotEntryWire{
			Path:     path,
			Metadata: metadataToMap(e.Metadata),
			History:  hist,
			Deleted:  e.Deleted,
		})
	}
	return json.Marshal(wire)
}

// decodeSnapshot parses a snapshot payload produced by MaterializeSnapshot.
func decodeSnapshot(payload []byte) (snapshotWire, error) {
	var wire snapshotWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return snapshotWire{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return wire, nil
}

// adoptSnapshot seeds idx with every entry from wire that idx has not
// already observed at a higher sequence (the Synchronizer calls this
// mid-scan, so "already observed" means "seen earlier in this
// descending pass"). It never overwrites a live entry with a stale
// one.
func adoptSnapshot(idx *Index, wire snapshotWire) {
	for _, we := range wire.Entries {
		path := NormalizePath(we.Path)
		if _, ok := idx.Lookup(path); ok {
			continue
		}
		meta, err := unmarshalMetadata(mustJSON(we.Metadata))
		if err != nil {
			continue
		}
		hist := make([]Sequence, len(we.History))
		var latest Sequence
		for i, s := range we.History {
			hist[i] = Sequence(s)
			if Sequence(s) > latest {
				latest = Sequence(s)
			}
		}
		idx.seedEntry(path, IndexEntry{
			LatestSeq: latest,
			Metadata:  meta,
			History:   hist,
			Deleted:   we.Deleted,
		})
	}
	idx.setSnapshotSeq(Sequence(wire.Highwater))
}

func mustJSON(m map[string]any) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// WriteSnapshot materializes idx and appends it as the reserved
// snapshot object, encoded under key (nil for plaintext mode). It
// returns the new snapshot's sequence.
func WriteSnapshot(ctx context.Context, backend imapbackend.Backend, idx *Index, key *[keySize]byte) (Sequence, error) {
	payload, err := MaterializeSnapshot(idx)
	if err != nil {
		return 0, fmt.Errorf("materialize snapshot: %w", err)
	}

	obj := Object{
		Metadata: Metadata{
			Path:     ReservedSnapshotPath,
			Snapshot: true,
		},
		Payload: payload,
	}
	wire, err := EncodeObject(obj, key)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	seq, err := backend.Append(ctx, wire)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return Sequence(seq), nil
}
