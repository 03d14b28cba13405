// Package syncx implements incremental, versioned chunk synchronization.
// The engine pulls version-stamped deltas per team, applies tombstones
// without touching crypto, decrypts live chunks through their per-
// document DEK, and tracks a per-team watermark that advances only after
// a whole batch has been applied.
package syncx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/servehq/serve-sdk-go/internal/client/transport"
	"github.com/servehq/serve-sdk-go/internal/common"
	"github.com/servehq/serve-sdk-go/internal/cryptox"
	"github.com/servehq/serve-sdk-go/internal/logging"
)

// Chunk is one decrypted (or tombstoned) chunk out of a sync batch.
// Tombstones carry no data.
type Chunk struct {
	DocumentID string
	ChunkIndex int
	Data       []byte
	Version    int64
	IsDeleted  bool
}

// Delta is the result of one sync call. Watermark is the highest version
// seen across the batch; callers may persist it externally to resume
// after a restart.
type Delta struct {
	TeamID    string
	Chunks    []Chunk
	Watermark int64
}

// KeyFunc resolves the current team key. The facade passes its
// ensureTeamKey so the engine never manages key retrieval itself.
type KeyFunc func(ctx context.Context, teamID string) ([]byte, error)

// ApplyFunc is invoked for every chunk in a batch, in version order. An
// error aborts the batch: the watermark is not advanced and the same
// deltas will be re-delivered on the next sync.
type ApplyFunc func(ctx context.Context, chunk *Chunk) error

type Engine struct {
	api     transport.Client
	teamKey KeyFunc
	apply   ApplyFunc
	log     logging.Logger

	mu         sync.Mutex
	watermarks map[string]int64
}

type Option func(*Engine)

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithApplyFunc installs a per-chunk callback (e.g. a local index).
func WithApplyFunc(fn ApplyFunc) Option {
	return func(e *Engine) { e.apply = fn }
}

func NewEngine(api transport.Client, teamKey KeyFunc, opts ...Option) *Engine {
	e := &Engine{
		api:        api,
		teamKey:    teamKey,
		log:        logging.NewNop(),
		watermarks: make(map[string]int64),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Watermark returns the last applied version for teamID, -1 when the
// team has never been synced.
func (e *Engine) Watermark(teamID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.watermarks[teamID]; ok {
		return v
	}
	return -1
}

// SetWatermark seeds the watermark, typically from external persistence
// on startup.
func (e *Engine) SetWatermark(teamID string, version int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watermarks[teamID] = version
}

// Sync pulls and applies everything newer than the stored watermark and,
// on full success, advances it.
func (e *Engine) Sync(ctx context.Context, teamID string) (*Delta, error) {
	delta, err := e.SyncFrom(ctx, teamID, e.Watermark(teamID))
	if err != nil {
		return nil, err
	}
	e.SetWatermark(teamID, delta.Watermark)
	return delta, nil
}

// SyncFrom pulls and decrypts everything newer than lastVersion without
// touching the stored watermark. Resyncing with the same lastVersion
// after a failed apply re-returns the same delta set.
func (e *Engine) SyncFrom(ctx context.Context, teamID string, lastVersion int64) (*Delta, error) {
	rows, err := e.api.SyncTeamChunks(ctx, teamID, lastVersion)
	if err != nil {
		return nil, fmt.Errorf("sync team %s: %w", teamID, err)
	}

	delta := &Delta{TeamID: teamID, Watermark: lastVersion}
	if len(rows) == 0 {
		return delta, nil
	}

	// Key material is resolved lazily: a batch of pure tombstones needs
	// no crypto at all.
	var key []byte
	deks := make(map[string][]byte)
	defer func() {
		for _, dek := range deks {
			common.WipeByteArray(dek)
		}
	}()

	for _, row := range rows {
		ch := Chunk{
			DocumentID: row.DocumentID,
			ChunkIndex: row.ChunkIndex,
			Version:    row.Version,
			IsDeleted:  row.IsDeleted,
		}

		if !row.IsDeleted {
			if key == nil {
				if key, err = e.teamKey(ctx, teamID); err != nil {
					return nil, fmt.Errorf("sync team %s: %w", teamID, err)
				}
			}
			dek, err := e.documentDEK(ctx, teamID, row.DocumentID, key, deks)
			if err != nil {
				return nil, err
			}
			if ch.Data, err = cryptox.Decrypt(row.EncryptedBlob, dek); err != nil {
				return nil, fmt.Errorf("sync team %s: chunk %d of document %s: %w",
					teamID, row.ChunkIndex, row.DocumentID, err)
			}
		}

		if e.apply != nil {
			if err := e.apply(ctx, &ch); err != nil {
				e.log.Warn(ctx, "sync batch aborted by apply callback",
					"team", teamID, "document", ch.DocumentID, "chunk", ch.ChunkIndex, "error", err)
				return nil, fmt.Errorf("sync team %s: apply chunk %d of document %s: %w",
					teamID, ch.ChunkIndex, ch.DocumentID, err)
			}
		}

		delta.Chunks = append(delta.Chunks, ch)
		if row.Version > delta.Watermark {
			delta.Watermark = row.Version
		}
	}

	e.log.Debug(ctx, "sync batch applied", "team", teamID, "chunks", len(delta.Chunks), "watermark", delta.Watermark)
	return delta, nil
}

// documentDEK unwraps (and memoizes for the batch) the DEK of docID. A
// wrapper that does not open under the current team key means the key
// was rotated away from us or the wrapper was tampered with; for a sync
// consumer both are a data-decryption failure.
func (e *Engine) documentDEK(ctx context.Context, teamID, docID string, teamKey []byte, deks map[string][]byte) ([]byte, error) {
	if dek, ok := deks[docID]; ok {
		return dek, nil
	}
	docs, err := e.api.GetDocuments(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("sync team %s: list documents: %w", teamID, err)
	}
	for _, d := range docs {
		if d.ID != docID {
			continue
		}
		dek, err := cryptox.UnwrapKeyWithKey(d.EncryptedDEK, teamKey)
		if err != nil {
			if errors.Is(err, common.ErrKeyMismatch) {
				err = fmt.Errorf("document %s DEK: %w", docID, common.ErrAuthenticationFailure)
			}
			return nil, fmt.Errorf("sync team %s: %w", teamID, err)
		}
		deks[docID] = dek
		return dek, nil
	}
	return nil, fmt.Errorf("sync team %s: document %s: %w", teamID, docID, common.ErrNotFound)
}
