package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"careline/internal/config"
	"careline/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (optional)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
