package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stjordanis/superhero-wallet/internal/account"
	"github.com/stjordanis/superhero-wallet/internal/composition/walletd"
	"github.com/stjordanis/superhero-wallet/internal/config"
)

const (
	exitOK           = 0
	exitInvalidInput = 10
	exitStateFailed  = 20
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "new":
		runNew(os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	case "address":
		runAddress(os.Args[2:])
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

func runNew(args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fail(err.Error(), exitInvalidInput)
	}

	mnemonic, err := account.GenerateMnemonic()
	if err != nil {
		fail(err.Error(), exitStateFailed)
	}
	seed, err := account.SeedFromMnemonic(mnemonic)
	if err != nil {
		fail(err.Error(), exitStateFailed)
	}
	address, err := account.DeriveAddress(seed)
	if err != nil {
		fail(err.Error(), exitStateFailed)
	}

	fmt.Printf("mnemonic: %s\n", mnemonic)
	fmt.Printf("address:  %s\n", address)
	os.Exit(exitOK)
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.yaml (optional)")
	statePath := fs.String("state-path", "", "Encrypted wallet state file (optional)")
	if err := fs.Parse(args); err != nil {
		fail(err.Error(), exitInvalidInput)
	}
	if *statePath != "" {
		_ = os.Setenv("SH_STATE_PATH", *statePath)
	}
	passphrase := os.Getenv("SH_STATE_PASSPHRASE")
	if passphrase == "" {
		fail("wallet-keygen import requires SH_STATE_PASSPHRASE", exitInvalidInput)
	}

	fmt.Fprint(os.Stderr, "recovery phrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		fail(err.Error(), exitInvalidInput)
	}
	mnemonic := strings.TrimSpace(line)

	svc, err := walletd.Build(config.LoadFromPath(*configPath), passphrase, nil)
	if err != nil {
		fail(err.Error(), exitStateFailed)
	}
	if err := svc.SetMnemonic(mnemonic); err != nil {
		fail(err.Error(), exitInvalidInput)
	}

	seed, err := account.SeedFromMnemonic(mnemonic)
	if err != nil {
		fail(err.Error(), exitInvalidInput)
	}
	address, err := account.DeriveAddress(seed)
	if err != nil {
		fail(err.Error(), exitStateFailed)
	}
	fmt.Printf("imported, address: %s\n", address)
	os.Exit(exitOK)
}

func runAddress(args []string) {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	index := fs.Int("index", 0, "account index to derive")
	if err := fs.Parse(args); err != nil {
		fail(err.Error(), exitInvalidInput)
	}

	fmt.Fprint(os.Stderr, "recovery phrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		fail(err.Error(), exitInvalidInput)
	}
	seed, err := account.SeedFromMnemonic(strings.TrimSpace(line))
	if err != nil {
		fail(err.Error(), exitInvalidInput)
	}
	kp, err := account.DeriveKeypair(seed, *index)
	if err != nil {
		fail(err.Error(), exitInvalidInput)
	}
	fmt.Println(kp.PublicKey)
	os.Exit(exitOK)
}

func printUsage() {
	fmt.Fprintln(os.Stdout, "wallet-keygen <command> [flags]")
	fmt.Fprintln(os.Stdout, "commands:")
	fmt.Fprintln(os.Stdout, "  new                         generate a recovery phrase and its first address")
	fmt.Fprintln(os.Stdout, "  import  [--config path] [--state-path path]   store a phrase into the encrypted state")
	fmt.Fprintln(os.Stdout, "  address [--index n]         derive an address from a phrase on stdin")
}

func fail(line string, exitCode int) {
	fmt.Fprintln(os.Stderr, line)
	os.Exit(exitCode)
}
