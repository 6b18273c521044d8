package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/medvault/internal/app"
	"github.com/dmitrijs2005/medvault/internal/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig(os.Args[1:])
	a, err := app.NewApp(ctx, cfg, os.Stderr)

	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
