package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// SnapshotPrefix is the key prefix every heartbeat snapshot lives under.
const SnapshotPrefix = "snapshots/"

// maxSnapshotBytes guards against decoding something that is not a snapshot.
const maxSnapshotBytes = 64 << 20

// ListSnapshots returns snapshot objects under prefix, oldest first. An empty
// prefix lists every snapshot.
func ListSnapshots(ctx context.Context, blobs domain.BlobReader, prefix string) ([]domain.BlobInfo, error) {
	if prefix == "" {
		prefix = SnapshotPrefix
	}
	infos, err := blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list %s: %w", prefix, err)
	}
	return infos, nil
}

// LoadSnapshot downloads and decodes the snapshot at path.
func LoadSnapshot(ctx context.Context, blobs domain.BlobReader, path string) (domain.LedgerState, error) {
	rc, err := blobs.Get(ctx, path)
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("snapshot: get %s: %w", path, err)
	}
	defer rc.Close()

	var st domain.LedgerState
	if err := json.NewDecoder(io.LimitReader(rc, maxSnapshotBytes)).Decode(&st); err != nil {
		return domain.LedgerState{}, fmt.Errorf("snapshot: decode %s: %w", path, err)
	}
	if st.Open == nil {
		st.Open = make(map[string]domain.Position)
	}
	if st.Closed == nil {
		st.Closed = []domain.Position{}
	}
	return st, nil
}
