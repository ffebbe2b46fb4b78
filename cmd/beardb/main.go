package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/mambisi/beardb"
)

const version = "0.1.0"

func main() {
	flag.Usage = printUsage

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "shell":
		err = shellCommand(args)
	case "get":
		err = getCommand(args)
	case "put":
		err = putCommand(args)
	case "delete":
		err = deleteCommand(args)
	case "scan":
		err = scanCommand(args)
	case "compact":
		err = compactCommand(args)
	case "stats":
		err = statsCommand(args)
	case "rebuild-manifest":
		err = rebuildCommand(args)
	case "version":
		fmt.Printf("beardb version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`beardb - embedded LSM key-value store tool

Usage:
  beardb <command> [options]

Commands:
  shell <db_path>                 Interactive session against a database
  get <db_path> <key>             Print the value for a key
  put <db_path> <key> <value>     Write a key
  delete <db_path> <key>          Delete a key
  scan <db_path> [start] [limit]  List keys in a range
  compact <db_path>               Compact the whole tree
  stats <db_path>                 Print engine statistics
  rebuild-manifest <db_path>      Reconstruct the manifest from table files
  version                         Show version information
  help                            Show this help message

Options:
  -config <file>   Load options from a YAML file (path in the file is
                   overridden by the command line db_path)
  -readonly        Open without taking write access (get, scan, stats)

Examples:
  beardb shell /var/data/mydb
  beardb put /var/data/mydb user:1 alice
  beardb scan /var/data/mydb user: user;
  beardb -config beardb.yaml shell /var/data/mydb
`)
}

// openFlags parses the shared flags and opens the database at the
// positional path. Remaining positional args are returned.
func openFlags(name string, args []string, readOnly bool) (*beardb.DB, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "YAML options file")
	roFlag := fs.Bool("readonly", false, "open read-only")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return nil, nil, fmt.Errorf("%s requires a database path", name)
	}

	var opts *beardb.Options
	if *configPath != "" {
		loaded, err := beardb.OptionsFromFile(*configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		opts = loaded
	} else {
		opts = beardb.DefaultOptions()
	}
	opts.Path = rest[0]
	if readOnly || *roFlag {
		opts.ReadOnly = true
		opts.CreateIfMissing = false
	}

	db, err := beardb.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return db, rest[1:], nil
}

func getCommand(args []string) error {
	db, rest, err := openFlags("get", args, true)
	if err != nil {
		return err
	}
	defer db.Close()
	if len(rest) < 1 {
		return errors.New("get requires a key")
	}
	value, err := db.Get([]byte(rest[0]))
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", value)
	return nil
}

func putCommand(args []string) error {
	db, rest, err := openFlags("put", args, false)
	if err != nil {
		return err
	}
	defer db.Close()
	if len(rest) < 2 {
		return errors.New("put requires a key and a value")
	}
	return db.Put([]byte(rest[0]), []byte(rest[1]))
}

func deleteCommand(args []string) error {
	db, rest, err := openFlags("delete", args, false)
	if err != nil {
		return err
	}
	defer db.Close()
	if len(rest) < 1 {
		return errors.New("delete requires a key")
	}
	return db.Delete([]byte(rest[0]))
}

func scanCommand(args []string) error {
	db, rest, err := openFlags("scan", args, true)
	if err != nil {
		return err
	}
	defer db.Close()

	start := []byte{0x00}
	var limit []byte
	if len(rest) > 0 {
		start = []byte(rest[0])
	}
	if len(rest) > 1 {
		limit = []byte(rest[1])
	}
	return printScan(os.Stdout, db, start, limit)
}

func printScan(w io.Writer, db *beardb.DB, start, limit []byte) error {
	it, err := db.Scan(start, limit, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		fmt.Fprintf(w, "%s = %s\n", it.Key(), it.Value())
		count++
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Fprintf(w, "(%d keys)\n", count)
	return nil
}

func compactCommand(args []string) error {
	db, _, err := openFlags("compact", args, false)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Flush(); err != nil {
		return err
	}
	if err := db.CompactAll(); err != nil {
		return err
	}
	fmt.Println("compaction complete")
	return nil
}

func statsCommand(args []string) error {
	db, _, err := openFlags("stats", args, true)
	if err != nil {
		return err
	}
	defer db.Close()
	printStats(os.Stdout, db)
	return nil
}

func printStats(w io.Writer, db *beardb.DB) {
	stats := db.Stats()
	fmt.Fprintf(w, "sequence:            %v\n", stats["sequence"])
	fmt.Fprintf(w, "memtable bytes:      %v\n", stats["memtable_bytes"])
	fmt.Fprintf(w, "memtable entries:    %v\n", stats["memtable_entries"])
	fmt.Fprintf(w, "immutable memtables: %v\n", stats["immutable_memtables"])
	if levels, ok := stats["levels"].(map[string]int); ok {
		sizes, _ := stats["level_sizes"].(map[string]uint64)
		for level := 0; ; level++ {
			key := fmt.Sprintf("level_%d_files", level)
			n, ok := levels[key]
			if !ok {
				break
			}
			if n == 0 {
				continue
			}
			fmt.Fprintf(w, "L%d: %d files, %d bytes\n", level, n, sizes[fmt.Sprintf("level_%d_bytes", level)])
		}
	}
	if cache, ok := stats["block_cache"].(map[string]int64); ok {
		fmt.Fprintf(w, "block cache: %d bytes, %d hits, %d misses, %d evictions\n",
			cache["bytes"], cache["hits"], cache["misses"], cache["evictions"])
	}
}

func rebuildCommand(args []string) error {
	if len(args) < 1 {
		return errors.New("rebuild-manifest requires a database path")
	}
	dir := args[0]
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("database directory: %w", err)
	}
	opts := beardb.DefaultOptions()
	n, err := beardb.RebuildManifest(dir, opts.MaxLevels, beardb.DefaultLogger())
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d table files into a fresh manifest\n", n)
	return nil
}

func shellCommand(args []string) error {
	db, _, err := openFlags("shell", args, false)
	if err != nil {
		return err
	}
	defer db.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".beardb_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	commands := []string{"put", "get", "delete", "scan", "prefix", "flush", "compact", "stats", "help", "quit"}
	line.SetCompleter(func(prefix string) (out []string) {
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(prefix)) {
				out = append(out, c)
			}
		}
		return
	})

	fmt.Println("beardb shell, type 'help' for commands")
	for {
		input, err := line.Prompt("beardb> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if done := runShellCommand(db, fields); done {
			return nil
		}
	}
}

func runShellCommand(db *beardb.DB, fields []string) bool {
	fail := func(err error) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true
	case "help":
		fmt.Println(`put <key> <value>     write a key
get <key>             read a key
delete <key>          delete a key
scan [start] [limit]  list keys in a range
prefix <prefix>       list keys with a prefix
flush                 force the memtable to disk
compact               compact the whole tree
stats                 engine statistics
quit                  leave`)
	case "put":
		if len(fields) < 3 {
			fail(errors.New("usage: put <key> <value>"))
			return false
		}
		if err := db.Put([]byte(fields[1]), []byte(strings.Join(fields[2:], " "))); err != nil {
			fail(err)
		}
	case "get":
		if len(fields) < 2 {
			fail(errors.New("usage: get <key>"))
			return false
		}
		value, err := db.Get([]byte(fields[1]))
		if err != nil {
			fail(err)
			return false
		}
		fmt.Printf("%s\n", value)
	case "delete":
		if len(fields) < 2 {
			fail(errors.New("usage: delete <key>"))
			return false
		}
		if err := db.Delete([]byte(fields[1])); err != nil {
			fail(err)
		}
	case "scan":
		start := []byte{0x00}
		var limit []byte
		if len(fields) > 1 {
			start = []byte(fields[1])
		}
		if len(fields) > 2 {
			limit = []byte(fields[2])
		}
		if err := printScan(os.Stdout, db, start, limit); err != nil {
			fail(err)
		}
	case "prefix":
		if len(fields) < 2 {
			fail(errors.New("usage: prefix <prefix>"))
			return false
		}
		it, err := db.ScanPrefix([]byte(fields[1]), nil)
		if err != nil {
			fail(err)
			return false
		}
		for it.SeekToFirst(); it.Valid(); it.Next() {
			fmt.Printf("%s = %s\n", it.Key(), it.Value())
		}
		if err := it.Error(); err != nil {
			fail(err)
		}
		it.Close()
	case "flush":
		if err := db.Flush(); err != nil {
			fail(err)
		}
	case "compact":
		if err := db.Flush(); err != nil {
			fail(err)
			return false
		}
		if err := db.CompactAll(); err != nil {
			fail(err)
		}
	case "stats":
		printStats(os.Stdout, db)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, try 'help'\n", fields[0])
	}
	return false
}
