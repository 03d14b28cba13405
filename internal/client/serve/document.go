package serve

import (
	"context"
	"fmt"
	"sort"

	"github.com/servehq/serve-sdk-go/internal/client/models"
	"github.com/servehq/serve-sdk-go/internal/client/syncx"
	"github.com/servehq/serve-sdk-go/internal/common"
	"github.com/servehq/serve-sdk-go/internal/cryptox"
)

// PlainChunk is one plaintext chunk of a document as the caller sees it.
type PlainChunk struct {
	Index int
	Data  []byte
}

// UploadChunks encrypts chunks under the document's DEK and uploads
// them. The first upload for fileName creates the document with a fresh
// DEK wrapped under the team key; later uploads reuse the existing DEK
// so every chunk of a document opens with one key.
func (c *Client) UploadChunks(ctx context.Context, teamID, fileName, fileType string, chunks []PlainChunk) error {
	teamKey, err := c.ensureTeamKey(ctx, teamID)
	if err != nil {
		return fmt.Errorf("upload to team %s: %w", teamID, err)
	}

	dek, wrappedDEK, err := c.documentDEK(ctx, teamID, fileName, teamKey)
	if err != nil {
		return fmt.Errorf("upload %s to team %s: %w", fileName, teamID, err)
	}
	defer common.WipeByteArray(dek)

	uploads := make([]*models.ChunkUpload, 0, len(chunks))
	for _, ch := range chunks {
		blob, err := cryptox.Encrypt(ch.Data, dek)
		if err != nil {
			return fmt.Errorf("upload %s to team %s: encrypt chunk %d: %w", fileName, teamID, ch.Index, err)
		}
		uploads = append(uploads, &models.ChunkUpload{ChunkIndex: ch.Index, EncryptedBlob: blob})
	}

	if err := c.api.UploadChunks(ctx, teamID, fileName, fileType, uploads, wrappedDEK); err != nil {
		return fmt.Errorf("upload %s to team %s: %w", fileName, teamID, err)
	}
	return nil
}

// documentDEK returns the DEK to encrypt under for fileName. For an
// existing document it unwraps the stored DEK and returns a nil
// wrapper; for a new one it mints a DEK and returns it wrapped under
// the team key, which the server stores on document creation.
func (c *Client) documentDEK(ctx context.Context, teamID, fileName string, teamKey []byte) (dek, wrappedDEK []byte, err error) {
	docs, err := c.api.GetDocuments(ctx, teamID)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range docs {
		if d.FileName != fileName {
			continue
		}
		dek, err = cryptox.UnwrapKeyWithKey(d.EncryptedDEK, teamKey)
		if err != nil {
			return nil, nil, fmt.Errorf("unwrap DEK of %s: %w", d.ID, err)
		}
		return dek, nil, nil
	}

	if dek, err = cryptox.GenerateSymmetricKey(); err != nil {
		return nil, nil, err
	}
	if wrappedDEK, err = cryptox.WrapKeyWithKey(dek, teamKey); err != nil {
		common.WipeByteArray(dek)
		return nil, nil, err
	}
	return dek, wrappedDEK, nil
}

// GetDocuments lists the team's document metadata. EncryptedDEK stays
// wrapped; callers that need plaintext go through sync or download.
func (c *Client) GetDocuments(ctx context.Context, teamID string) ([]*models.Document, error) {
	if _, err := c.requireIdentity(); err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	docs, err := c.api.GetDocuments(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("get documents of team %s: %w", teamID, err)
	}
	return docs, nil
}

// DownloadChunks reconstructs the current plaintext chunks of a
// document by replaying the team's full version history. The latest
// write per chunk index wins; indexes whose latest write is a tombstone
// are omitted. Chunks come back sorted by index.
func (c *Client) DownloadChunks(ctx context.Context, teamID, documentID string) ([]PlainChunk, error) {
	if _, err := c.requireIdentity(); err != nil {
		return nil, fmt.Errorf("download document: %w", err)
	}

	delta, err := c.syncer.SyncFrom(ctx, teamID, -1)
	if err != nil {
		return nil, fmt.Errorf("download document %s: %w", documentID, err)
	}

	latest := make(map[int]syncx.Chunk)
	found := false
	for _, ch := range delta.Chunks {
		if ch.DocumentID != documentID {
			continue
		}
		found = true
		if prev, ok := latest[ch.ChunkIndex]; !ok || ch.Version > prev.Version {
			latest[ch.ChunkIndex] = ch
		}
	}
	if !found {
		return nil, fmt.Errorf("download document %s: %w", documentID, common.ErrNotFound)
	}

	out := make([]PlainChunk, 0, len(latest))
	for _, ch := range latest {
		if ch.IsDeleted {
			continue
		}
		out = append(out, PlainChunk{Index: ch.ChunkIndex, Data: ch.Data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// DeleteChunk tombstones one chunk of a document. The server keeps the
// versioned row so the delete reaches every replica on its next sync.
func (c *Client) DeleteChunk(ctx context.Context, documentID string, chunkIndex int) error {
	if _, err := c.requireIdentity(); err != nil {
		return fmt.Errorf("delete chunk: %w", err)
	}
	if err := c.api.DeleteChunk(ctx, documentID, chunkIndex); err != nil {
		return fmt.Errorf("delete chunk %d of document %s: %w", chunkIndex, documentID, err)
	}
	return nil
}

// DeleteDocument removes a document's metadata and tombstones all its
// chunks, so the delete reaches every replica through ordinary sync.
// The wrapped DEK disappears with the metadata row.
func (c *Client) DeleteDocument(ctx context.Context, teamID, documentID string) error {
	if _, err := c.requireIdentity(); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := c.api.DeleteDocument(ctx, teamID, documentID); err != nil {
		return fmt.Errorf("delete document %s in team %s: %w", documentID, teamID, err)
	}
	return nil
}

// SyncTeam pulls and applies everything newer than the team's stored
// watermark, advancing it on full success.
func (c *Client) SyncTeam(ctx context.Context, teamID string) (*syncx.Delta, error) {
	if _, err := c.requireIdentity(); err != nil {
		return nil, fmt.Errorf("sync team: %w", err)
	}
	return c.syncer.Sync(ctx, teamID)
}

// Watermark returns the last applied sync version for teamID, -1 when
// the team has never been synced.
func (c *Client) Watermark(teamID string) int64 {
	return c.syncer.Watermark(teamID)
}

// SetWatermark seeds a team's sync watermark, typically from local
// persistence on startup.
func (c *Client) SetWatermark(teamID string, version int64) {
	c.syncer.SetWatermark(teamID, version)
}
