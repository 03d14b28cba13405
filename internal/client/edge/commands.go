package edge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/servehq/serve-sdk-go/internal/client/serve"
	"github.com/servehq/serve-sdk-go/internal/common"
)

const chunkSize = 64 * 1024

const usage = `usage: serve-client [flags] <command> [args]

commands:
  signup                         create an account
  teams                          list your teams
  create-team <name> [desc]      create a team (you become its admin)
  invite <team-id> <email>       grant a user access to a team
  kick <team-id> <user-id>       remove a member and rotate the team key
  upload <team-id> <file>        encrypt and upload a file
  download <team-id> <doc-id>    download and decrypt a document to stdout
  delete <team-id> <doc-id>      delete a document and tombstone its chunks
  sync <team-id>                 pull new chunks for one team
  sync-all                       pull new chunks for every team
  watch                          poll every team at the configured interval

flags: -a server URL, -d database path, -i sync interval seconds, -c config file`

// Run dispatches one command. Every command except signup starts with
// an interactive login; the session lives only for this invocation.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, usage)
		return nil
	}

	cmd, rest := args[0], args[1:]
	if cmd == "signup" {
		return a.cmdSignup(ctx)
	}

	if err := a.login(ctx); err != nil {
		return err
	}
	if err := a.seedWatermarks(ctx); err != nil {
		return err
	}

	switch cmd {
	case "teams":
		return a.cmdTeams(ctx)
	case "create-team":
		return a.cmdCreateTeam(ctx, rest)
	case "invite":
		return a.cmdInvite(ctx, rest)
	case "kick":
		return a.cmdKick(ctx, rest)
	case "upload":
		return a.cmdUpload(ctx, rest)
	case "download":
		return a.cmdDownload(ctx, rest)
	case "delete":
		return a.cmdDelete(ctx, rest)
	case "sync":
		return a.cmdSync(ctx, rest)
	case "sync-all":
		return a.cmdSyncAll(ctx)
	case "watch":
		return a.cmdWatch(ctx)
	default:
		fmt.Fprintln(a.out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *App) login(ctx context.Context) error {
	email, err := GetSimpleText(a.reader, "Email", a.out)
	if err != nil {
		return err
	}
	password, err := GetPassword(a.out, "Password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := a.client.Login(ctx, email, password); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged in as", email)
	return nil
}

func (a *App) cmdSignup(ctx context.Context) error {
	email, err := GetSimpleText(a.reader, "Email", a.out)
	if err != nil {
		return err
	}
	password, err := GetPassword(a.out, "Password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)
	confirm, err := GetPassword(a.out, "Repeat password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(confirm)
	if string(password) != string(confirm) {
		return errors.New("passwords do not match")
	}

	if err := a.client.Signup(ctx, email, password); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "account created; run a command and log in")
	return nil
}

func (a *App) cmdTeams(ctx context.Context) error {
	teams, err := a.client.ListTeams(ctx)
	if err != nil {
		return err
	}
	for _, t := range teams {
		fmt.Fprintf(a.out, "%s\t%s\t%s\n", t.ID, t.Name, t.Description)
	}
	return nil
}

func (a *App) cmdCreateTeam(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("create-team: team name required")
	}
	description := strings.Join(args[1:], " ")
	id, err := a.client.CreateTeam(ctx, args[0], description)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "created team", id)
	return nil
}

func (a *App) cmdInvite(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("invite: team id and email required")
	}
	if err := a.client.InviteMember(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "invited", args[1])
	return nil
}

func (a *App) cmdKick(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("kick: team id and user id required")
	}
	out, err := a.client.KickMember(ctx, args[0], args[1], true)
	var pf *common.PartialFailureError
	if errors.As(err, &pf) {
		// The kick and the key swap are done; only some document
		// wrappers are pending. Surface which ones.
		fmt.Fprintf(a.out, "member kicked, key rotated; %d document(s) pending rewrap: %s\n",
			len(pf.SkippedDocumentIDs), strings.Join(pf.SkippedDocumentIDs, ", "))
		return nil
	}
	if err != nil {
		return err
	}
	if out.Rotated {
		fmt.Fprintln(a.out, "member kicked, team key rotated")
	} else {
		fmt.Fprintln(a.out, "member kicked")
	}
	return nil
}

func (a *App) cmdUpload(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("upload: team id and file path required")
	}
	teamID, path := args[0], args[1]

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var chunks []serve.PlainChunk
	for i := 0; i*chunkSize < len(data); i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, serve.PlainChunk{Index: i, Data: data[i*chunkSize : end]})
	}
	if len(chunks) == 0 {
		chunks = []serve.PlainChunk{{Index: 0, Data: nil}}
	}

	fileName := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		fileName = path[idx+1:]
	}
	if err := a.client.UploadChunks(ctx, teamID, fileName, detectType(fileName), chunks); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "uploaded %s (%d chunk(s))\n", fileName, len(chunks))
	return nil
}

func (a *App) cmdDownload(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("download: team id and document id required")
	}
	chunks, err := a.client.DownloadChunks(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if _, err := a.out.Write(ch.Data); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("delete: team id and document id required")
	}
	if err := a.client.DeleteDocument(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "deleted document", args[1])
	return nil
}

func (a *App) cmdSync(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("sync: team id required")
	}
	return a.syncTeam(ctx, args[0])
}

func (a *App) cmdSyncAll(ctx context.Context) error {
	teams, err := a.client.ListTeams(ctx)
	if err != nil {
		return err
	}
	for _, t := range teams {
		if err := a.syncTeam(ctx, t.ID); err != nil {
			// Teams the caller administers but holds no key for are
			// expected to refuse; keep going.
			if errors.Is(err, common.ErrAccessDenied) {
				a.log.Warn(ctx, "skipping team without key grant", "team", t.ID)
				continue
			}
			return err
		}
	}
	return nil
}

// cmdWatch keeps the local replica warm: a sync-all pass immediately,
// then one per configured interval until the context is cancelled.
func (a *App) cmdWatch(ctx context.Context) error {
	interval := a.config.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.cmdSyncAll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func detectType(fileName string) string {
	switch {
	case strings.HasSuffix(fileName, ".json"):
		return "application/json"
	case strings.HasSuffix(fileName, ".txt"), strings.HasSuffix(fileName, ".md"):
		return "text/plain"
	case strings.HasSuffix(fileName, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
