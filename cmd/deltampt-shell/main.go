// Command deltampt-shell is an interactive REPL over a single in-memory
// delta-MPT instance, useful for manually exercising the engine: set/get/
// delete keys, inspect the root Merkle hash, and commit.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/cfxstorage/delta-mpt/deltamptcfg"
	"github.com/cfxstorage/delta-mpt/deltamptdb"
	"github.com/cfxstorage/delta-mpt/storage/memorydb"
)

var verbosityFlag = &cli.IntFlag{
	Name:  "verbosity",
	Usage: "log verbosity (0=crit, 5=trace)",
	Value: 3, // info, on the legacy scale log.FromLegacyLevel reads
}

func main() {
	app := cli.NewApp()
	app.Name = "deltampt-shell"
	app.Usage = "interactive shell over a delta-MPT instance"
	app.Flags = []cli.Flag{verbosityFlag}
	app.Action = run

	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(c.Int(verbosityFlag.Name)), true)))

	store := memorydb.New()
	mpt, err := deltamptdb.NewDeltaMpt(0, deltamptcfg.Default(), store)
	if err != nil {
		return fmt.Errorf("opening delta-mpt: %w", err)
	}

	fmt.Println("delta-mpt shell — commands: set <key> <value> | get <key> | delete <key> | root | commit | reopen <db_key> | exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := dispatch(&mpt, store, fields); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func dispatch(mpt **deltamptdb.DeltaMpt, store *memorydb.MemDB, fields []string) error {
	m := *mpt
	switch fields[0] {
	case "set":
		if len(fields) != 3 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		outcome, err := m.Set([]byte(fields[1]), []byte(fields[2]))
		if err != nil {
			return err
		}
		fmt.Printf("ok (existed=%v)\n", outcome.Existed)
		return nil

	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		v, err := m.Get([]byte(fields[1]))
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Println("<not found>")
			return nil
		}
		fmt.Printf("%s\n", v)
		return nil

	case "delete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: delete <key>")
		}
		deleted, err := m.Delete([]byte(fields[1]))
		if err != nil {
			return err
		}
		fmt.Printf("deleted=%v\n", deleted)
		return nil

	case "root":
		h, err := m.RootMerkle()
		if err != nil {
			return err
		}
		fmt.Println(h.Hex())
		return nil

	case "commit":
		h, err := m.Commit()
		if err != nil {
			return err
		}
		dbKey, ok := m.RootRef().DBKey, m.RootRef().IsCommitted()
		fmt.Printf("committed root=%s", h.Hex())
		if ok {
			fmt.Printf(" db_key=%d", dbKey)
		}
		fmt.Println()
		return nil

	case "reopen":
		if len(fields) != 2 {
			return fmt.Errorf("usage: reopen <db_key>")
		}
		var dbKey int64
		if _, err := fmt.Sscanf(fields[1], "%d", &dbKey); err != nil {
			return fmt.Errorf("bad db_key: %w", err)
		}
		reopened, err := deltamptdb.OpenDeltaMpt(0, deltamptcfg.Default(), store, dbKey)
		if err != nil {
			return err
		}
		*mpt = reopened
		fmt.Println("reopened new session on top of db_key", dbKey)
		return nil

	case "exit", "quit":
		os.Exit(0)
		return nil

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
