package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skyhack.ai/internal/persistence/indexdb"
	persistlog "skyhack.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "turns":
			os.Exit(turnsCmd(os.Args[2:], os.Stdout))
		case "episodes":
			os.Exit(episodesCmd(os.Args[2:], os.Stdout))
		case "reindex":
			os.Exit(reindexCmd(os.Args[2:], os.Stdout))
		case "state":
			os.Exit(getCmd("state", "/api/state", os.Args[2:], os.Stdout))
		case "metrics":
			os.Exit(getCmd("metrics", "/metrics", os.Args[2:], os.Stdout))
		}
	}
	os.Exit(logsCmd(os.Args[1:], os.Stdout))
}

// logsCmd lists turn-log files with their entry and turn ranges.
func logsCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	files, err := persistlog.TurnLogFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		return 1
	}
	for _, p := range files {
		var (
			n           int
			first, last uint64
		)
		err := persistlog.ReadTurns(p, func(e persistlog.TurnEntry) error {
			if n == 0 || e.Turn < first {
				first = e.Turn
			}
			if e.Turn > last {
				last = e.Turn
			}
			n++
			return nil
		})
		if err != nil {
			fmt.Fprintf(out, "%s error=%v\n", filepath.Base(p), err)
			continue
		}
		fmt.Fprintf(out, "%s entries=%d turns=%d..%d\n", filepath.Base(p), n, first, last)
	}
	return 0
}

func openIndex(dataDir, dbPath string) (*indexdb.SQLiteIndex, error) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = filepath.Join(dataDir, "index", "turns.sqlite")
	}
	return indexdb.OpenSQLite(path)
}

func turnsCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("turns", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default <data>/index/turns.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	idx, err := openIndex(*dataDir, *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		return 1
	}
	defer idx.Close()
	turns, err := idx.RecentTurns(context.Background(), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		return 1
	}
	for _, t := range turns {
		printJSON(out, t)
	}
	return 0
}

func episodesCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("episodes", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default <data>/index/turns.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	idx, err := openIndex(*dataDir, *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		return 1
	}
	defer idx.Close()
	eps, err := idx.Episodes(context.Background(), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		return 1
	}
	for _, e := range eps {
		printJSON(out, e)
	}
	return 0
}

// reindexCmd rebuilds the sqlite index from the turn logs.
func reindexCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default <data>/index/turns.sqlite)")
	_ = fs.Parse(args)

	files, err := persistlog.TurnLogFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		return 1
	}
	idx, err := openIndex(*dataDir, *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		return 1
	}
	defer idx.Close()

	ctx := context.Background()
	var n int
	for _, p := range files {
		err := persistlog.ReadTurns(p, func(e persistlog.TurnEntry) error {
			_ = idx.WriteTurn(e)
			n++
			// Drain well before the writer queue can fill.
			if n%1024 == 0 {
				return idx.Sync(ctx)
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(p), err)
			return 1
		}
	}
	if err := idx.Sync(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sync:", err)
		return 1
	}
	st := idx.Stats()
	fmt.Fprintf(out, "reindex ok: files=%d entries=%d written=%d dropped=%d\n", len(files), n, st.WrittenTotal, st.DropTurnTotal)
	if st.DropTurnTotal > 0 {
		return 1
	}
	return 0
}

func getCmd(name, path string, args []string, out io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:5000", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + path
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	_, _ = io.Copy(out, resp.Body)
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}

func printJSON(out io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(out, string(b))
}
