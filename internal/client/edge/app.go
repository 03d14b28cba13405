// Package edge is the terminal front end of the Serve client: one-shot
// commands wired against the REST transport, with sync watermarks
// persisted in a local SQLite store so repeated runs stay incremental.
package edge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/servehq/serve-sdk-go/internal/client/config"
	"github.com/servehq/serve-sdk-go/internal/client/serve"
	"github.com/servehq/serve-sdk-go/internal/client/store"
	"github.com/servehq/serve-sdk-go/internal/client/syncx"
	"github.com/servehq/serve-sdk-go/internal/client/transport"
	"github.com/servehq/serve-sdk-go/internal/logging"
)

type App struct {
	config *config.Config
	client *serve.Client
	store  *store.Store
	log    logging.Logger
	reader *bufio.Reader
	out    io.Writer
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init local store: %w", err)
	}

	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	app := &App{
		config: cfg,
		store:  st,
		log:    logger,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
	app.client = serve.New(
		transport.NewRestClient(cfg.ServerURL),
		serve.WithLogger(logger),
		serve.WithApplyFunc(app.applyChunk),
	)
	return app, nil
}

// applyChunk reports sync progress. Payload handling beyond logging is
// the caller's business (pipe, index, file tree).
func (a *App) applyChunk(ctx context.Context, ch *syncx.Chunk) error {
	if ch.IsDeleted {
		a.log.Debug(ctx, "chunk deleted", "document", ch.DocumentID, "chunk", ch.ChunkIndex, "version", ch.Version)
		return nil
	}
	a.log.Debug(ctx, "chunk received", "document", ch.DocumentID, "chunk", ch.ChunkIndex,
		"version", ch.Version, "bytes", len(ch.Data))
	return nil
}

func (a *App) Close(ctx context.Context) {
	if err := a.client.Close(); err != nil {
		a.log.Warn(ctx, "closing transport", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn(ctx, "closing store", "error", err)
	}
}

// seedWatermarks loads persisted watermarks into the sync engine so the
// first sync of this run is incremental.
func (a *App) seedWatermarks(ctx context.Context) error {
	marks, err := a.store.Watermarks.All(ctx)
	if err != nil {
		return err
	}
	for teamID, v := range marks {
		a.client.SetWatermark(teamID, v)
	}
	return nil
}

// syncTeam runs one incremental sync and persists the new watermark.
func (a *App) syncTeam(ctx context.Context, teamID string) error {
	delta, err := a.client.SyncTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if err := a.store.Watermarks.Set(ctx, teamID, delta.Watermark); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "team %s: %d chunk(s), watermark %d\n", teamID, len(delta.Chunks), delta.Watermark)
	return nil
}
