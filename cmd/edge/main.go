package main

import (
	"context"
	"log"
	"os"

	"github.com/servehq/serve-sdk-go/internal/client/config"
	"github.com/servehq/serve-sdk-go/internal/client/edge"
	"github.com/servehq/serve-sdk-go/internal/flagx"
)

func main() {
	ctx := context.Background()

	cfg := config.LoadConfig()
	app, err := edge.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close(ctx)

	args := flagx.StripArgs(os.Args[1:], config.ConfigFlags)
	if err := app.Run(ctx, args); err != nil {
		log.Fatalf("%v", err)
	}
}
