package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stjordanis/superhero-wallet/internal/broker"
	"github.com/stjordanis/superhero-wallet/internal/composition/walletd"
	"github.com/stjordanis/superhero-wallet/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	listenAddr := flag.String("listen-addr", "", "Peer gateway listen address (optional)")
	statePath := flag.String("state-path", "", "Encrypted wallet state file (optional)")
	autoDeny := flag.Bool("auto-deny", false, "Reject all authorization prompts instead of asking on the terminal")
	flag.Parse()
	if *showVersion {
		fmt.Printf("walletd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *listenAddr != "" {
		_ = os.Setenv("SH_LISTEN_ADDR", *listenAddr)
	}
	if *statePath != "" {
		_ = os.Setenv("SH_STATE_PATH", *statePath)
	}

	passphrase := os.Getenv("SH_STATE_PASSPHRASE")
	if passphrase == "" {
		log.Fatal("walletd requires SH_STATE_PASSPHRASE")
	}

	var prompter broker.Prompter = &broker.ConsolePrompter{In: os.Stdin, Out: os.Stderr}
	if *autoDeny {
		prompter = broker.AutoDenyPrompter
	}

	svc, err := walletd.Build(config.LoadFromPath(*configPath), passphrase, prompter)
	if err != nil {
		log.Fatalf("walletd failed to initialize: %v", err)
	}

	log.Println("walletd starting")
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("walletd failed: %v", err)
	}
	log.Println("walletd stopped")
}
