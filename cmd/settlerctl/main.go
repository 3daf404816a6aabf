package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stakearena/chain"
	"stakearena/cmd/internal/passphrase"
	"stakearena/integrations/exports"
	"stakearena/storage/archive"
)

const (
	exportCommand   = "export"
	claimCommand    = "claim"
	lobbyCommand    = "lobby"
	keystoreCommand = "import-key"
	defaultPassEnv  = "SETTLERD_KEYSTORE_PASS"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: settlerctl <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  export      dump archived lobby results as csv, jsonl or parquet")
	fmt.Fprintln(w, "  claim       show the archived claim of one address")
	fmt.Fprintln(w, "  lobby       print the archived record of one lobby")
	fmt.Fprintln(w, "  import-key  write a hex signer key into an encrypted keystore")
}

func run(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case exportCommand:
		return runExport(args[1:], stdout)
	case claimCommand:
		return runClaim(args[1:], stdout)
	case lobbyCommand:
		return runLobby(args[1:], stdout)
	case keystoreCommand:
		return runImportKey(args[1:], stdout, passphrase.Resolver)
	default:
		return errUsage
	}
}

type archiveFlags struct {
	path string
	dsn  string
}

func (a *archiveFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.path, "archive", "settlerd-archive.db", "path to the bolt archive")
	fs.StringVar(&a.dsn, "dsn", "", "sql archive DSN (overrides -archive)")
}

func (a *archiveFlags) open() (archive.Store, error) {
	if strings.TrimSpace(a.dsn) != "" {
		return archive.OpenSQL(a.dsn)
	}
	return archive.OpenBolt(a.path, nil)
}

func runExport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	var store archiveFlags
	store.register(fs)
	format := fs.String("format", "csv", "csv, jsonl or parquet")
	out := fs.String("out", "", "output file (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.open()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	records, err := st.List(context.Background())
	if err != nil {
		return err
	}

	var (
		data []byte
		sum  string
	)
	switch strings.ToLower(*format) {
	case "csv":
		data, sum, err = exports.ResultsCSV(records)
	case "jsonl":
		data, sum, err = exports.ResultsJSONL(records)
	case "parquet":
		data, sum, err = exports.ResultsParquet(records)
	default:
		return fmt.Errorf("unknown export format %q", *format)
	}
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d lobbies to %s (sha256 %s)\n", len(records), *out, sum)
	return nil
}

func runClaim(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(claimCommand, flag.ContinueOnError)
	var store archiveFlags
	store.register(fs)
	lobby := fs.Uint64("lobby", 0, "lobby id")
	address := fs.String("address", "", "player address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *lobby == 0 || *address == "" {
		return fmt.Errorf("-lobby and -address are required")
	}
	st, err := store.open()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	claim, err := st.LoadClaim(context.Background(), *lobby, *address)
	if err != nil {
		return err
	}
	return printJSON(stdout, claim)
}

func runLobby(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(lobbyCommand, flag.ContinueOnError)
	var store archiveFlags
	store.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("lobby id required")
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lobby id %q", fs.Arg(0))
	}
	st, err := store.open()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	rec, err := st.Load(context.Background(), id)
	if err != nil {
		return err
	}
	return printJSON(stdout, rec)
}

func runImportKey(args []string, stdout io.Writer, resolve func(string) func() (string, error)) error {
	fs := flag.NewFlagSet(keystoreCommand, flag.ContinueOnError)
	keyEnv := fs.String("key-env", "", "environment variable holding the hex signer key")
	keyFile := fs.String("key-file", "", "file holding the hex signer key")
	out := fs.String("keystore", "operator.keystore", "output keystore path")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("keystore %s already exists; use -force to overwrite", *out)
		}
	}
	key, err := chain.LoadKey(chain.KeySource{Env: *keyEnv, File: *keyFile})
	if err != nil {
		return err
	}
	pass, err := resolve(*passEnv)()
	if err != nil {
		return err
	}
	if err := chain.SaveKeystore(*out, key, pass); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "operator %s written to %s\n", gethcrypto.PubkeyToAddress(key.PublicKey).Hex(), *out)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
