package metadata

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benji-backup/benji/storage"
)

// SchemaVersion is the version-metadata JSON schema implemented here
// (spec.md §6).
const SchemaVersion = "2.0.0"

// Document is the top-level version-metadata JSON document: exported by
// `metadata-export`, embedded on Storage by every successful backup
// (spec.md §4.4), and consumed by `metadata-import` / database-less
// restore.
type Document struct {
	MetadataVersion string        `json:"metadata_version"`
	Versions        []jsonVersion `json:"versions"`
}

type jsonVersion struct {
	UID      string `json:"uid"`
	Date     string `json:"date"`
	Volume   string `json:"volume"`
	Snapshot string `json:"snapshot"`

	Size      int64 `json:"size"`
	BlockSize int64 `json:"block_size"`

	Storage   string `json:"storage"`
	Status    string `json:"status"`
	Protected bool   `json:"protected"`

	BytesRead         int64 `json:"bytes_read"`
	BytesWritten      int64 `json:"bytes_written"`
	BytesDeduplicated int64 `json:"bytes_deduplicated"`
	BytesSparse       int64 `json:"bytes_sparse"`
	Duration          int64 `json:"duration"`

	Labels map[string]string `json:"labels"`
	Blocks []jsonBlock       `json:"blocks"`
}

type jsonBlock struct {
	UID      *jsonBlockUID `json:"uid"`
	Size     int64         `json:"size"`
	Valid    bool          `json:"valid"`
	Checksum *string       `json:"checksum"`
}

type jsonBlockUID struct {
	Left  int64 `json:"left"`
	Right int64 `json:"right"`
}

// ExportVersion serializes v and its full block list (streamed via the
// Store's BlockIterator per spec.md §4.4's memory discipline) into a
// single-version Document.
func ExportVersion(ctx context.Context, store Store, uid string) (*Document, error) {
	v, err := store.GetVersion(ctx, uid)
	if err != nil {
		return nil, err
	}
	it, err := store.BlockIterator(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	jv := jsonVersion{
		UID:               v.UID,
		Date:              v.Date.UTC().Format(time.RFC3339Nano),
		Volume:            v.Volume,
		Snapshot:          v.Snapshot,
		Size:              v.Size,
		BlockSize:         v.BlockSize,
		Storage:           v.Storage,
		Status:            string(v.Status),
		Protected:         v.Protected,
		BytesRead:         v.BytesRead,
		BytesWritten:      v.BytesWritten,
		BytesDeduplicated: v.BytesDeduplicated,
		BytesSparse:       v.BytesSparse,
		Duration:          int64(v.Duration.Seconds()),
		Labels:            v.Labels,
	}
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		jv.Blocks = append(jv.Blocks, blockToJSON(b))
	}
	return &Document{MetadataVersion: SchemaVersion, Versions: []jsonVersion{jv}}, nil
}

func blockToJSON(b *Block) jsonBlock {
	jb := jsonBlock{Size: b.Size, Valid: b.Valid}
	if b.UID != nil {
		jb.UID = &jsonBlockUID{Left: b.UID.Left, Right: b.UID.Right}
	}
	if b.Checksum != nil {
		s := hex.EncodeToString(b.Checksum)
		jb.Checksum = &s
	}
	return jb
}

func blockFromJSON(versionUID string, idx int, jb jsonBlock) (*Block, error) {
	b := &Block{VersionUID: versionUID, Idx: idx, Size: jb.Size, Valid: jb.Valid}
	if jb.UID != nil {
		b.UID = &storage.BlockUID{Left: jb.UID.Left, Right: jb.UID.Right}
	}
	if jb.Checksum != nil {
		sum, err := hex.DecodeString(*jb.Checksum)
		if err != nil {
			return nil, fmt.Errorf("metadata: decode checksum: %w", err)
		}
		b.Checksum = sum
	}
	return b, nil
}

// ImportDocument writes every Version (and its Blocks) in doc into store,
// used by `metadata-import` and by database-less restore (which imports a
// single-version Document into an InMemoryStore).
func ImportDocument(ctx context.Context, store Store, doc *Document) error {
	if doc.MetadataVersion != SchemaVersion {
		return fmt.Errorf("metadata: unsupported metadata_version %q", doc.MetadataVersion)
	}
	for _, jv := range doc.Versions {
		date, err := time.Parse(time.RFC3339Nano, jv.Date)
		if err != nil {
			return fmt.Errorf("metadata: parse date %q: %w", jv.Date, err)
		}
		v := &Version{
			UID:               jv.UID,
			Date:              date,
			Volume:            jv.Volume,
			Snapshot:          jv.Snapshot,
			Size:              jv.Size,
			BlockSize:         jv.BlockSize,
			Storage:           jv.Storage,
			Status:            Status(jv.Status),
			Protected:         jv.Protected,
			BytesRead:         jv.BytesRead,
			BytesWritten:      jv.BytesWritten,
			BytesDeduplicated: jv.BytesDeduplicated,
			BytesSparse:       jv.BytesSparse,
			Duration:          time.Duration(jv.Duration) * time.Second,
			Labels:            jv.Labels,
		}
		if err := store.CreateVersion(ctx, v); err != nil {
			return fmt.Errorf("metadata: import version %s: %w", v.UID, err)
		}
		blocks := make([]*Block, 0, len(jv.Blocks))
		for idx, jb := range jv.Blocks {
			b, err := blockFromJSON(v.UID, idx, jb)
			if err != nil {
				return err
			}
			blocks = append(blocks, b)
		}
		if err := store.InsertBlocks(ctx, blocks); err != nil {
			return fmt.Errorf("metadata: import blocks for %s: %w", v.UID, err)
		}
	}
	return nil
}

// Marshal/Unmarshal are thin wrappers kept separate from ExportVersion and
// ImportDocument so callers writing the document through a transform chain
// (the version-metadata backup path, spec.md §4.4) don't need to know this
// package uses encoding/json internally.
func (d *Document) Marshal() ([]byte, error) { return json.MarshalIndent(d, "", "  ") }

func UnmarshalDocument(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
