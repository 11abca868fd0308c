// Command umadbctl is a small operator CLI around the storage core: create
// a database file, append events, read them back by position or range, and
// run a cron-scheduled maintenance sweep that reports reclaim metrics.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"umadb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = runCreate(args)
	case "append":
		err = runAppend(args)
	case "get":
		err = runGet(args)
	case "range":
		err = runRange(args)
	case "maintain":
		err = runMaintain(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "umadbctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: umadbctl <command> [flags]

commands:
  create   -path FILE [-page-size N]
  append   -path FILE -type EVENTTYPE [-data STRING] [-tags a,b,c] [-uuid]
  get      -path FILE -pos N
  range    -path FILE [-from N] [-limit N]
  maintain -config FILE.yaml`)
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	path := fs.String("path", "", "database file to create")
	pageSize := fs.Int("page-size", 0, "page size for a new database (0 = default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("create: -path is required")
	}
	db, err := umadb.Open(*path, umadb.Options{PageSize: *pageSize})
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Printf("opened %s at tsn=%d\n", *path, db.Stats().Tsn)
	return nil
}

func runAppend(args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	path := fs.String("path", "", "database file")
	eventType := fs.String("type", "", "event type")
	data := fs.String("data", "", "event payload bytes, taken literally")
	tags := fs.String("tags", "", "comma-separated tags")
	withUUID := fs.Bool("uuid", false, "attach a freshly generated UUID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *eventType == "" {
		return fmt.Errorf("append: -path and -type are required")
	}

	db, err := umadb.Open(*path, umadb.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	rec := umadb.EventRecord{EventType: *eventType, Data: []byte(*data)}
	if *tags != "" {
		rec.Tags = strings.Split(*tags, ",")
	}
	if *withUUID {
		id := uuid.New()
		rec.UUID = &id
	}

	w := db.Writer()
	positions, err := w.Append([]umadb.EventRecord{rec})
	if err != nil {
		w.Discard()
		return err
	}
	tsn, err := db.Commit(w)
	if err != nil {
		return err
	}
	fmt.Printf("appended at position=%d tsn=%d\n", positions[0], tsn)
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	path := fs.String("path", "", "database file")
	pos := fs.Uint64("pos", 0, "position to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("get: -path is required")
	}
	db, err := umadb.Open(*path, umadb.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	r := db.Reader()
	ev, ok, err := r.Get(umadb.Position(*pos))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no event at position %d", *pos)
	}
	printEvent(ev)
	return nil
}

func runRange(args []string) error {
	fs := flag.NewFlagSet("range", flag.ExitOnError)
	path := fs.String("path", "", "database file")
	from := fs.Uint64("from", 0, "first position to fetch")
	limit := fs.Int("limit", 100, "maximum events to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("range: -path is required")
	}
	db, err := umadb.Open(*path, umadb.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	r := db.Reader()
	events, err := r.Range(umadb.Position(*from), *limit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		printEvent(ev)
	}
	return nil
}

func printEvent(ev umadb.Event) {
	idStr := "-"
	if ev.UUID != nil {
		idStr = ev.UUID.String()
	}
	fmt.Printf("%d\t%s\t%s\t%q\t%v\n", ev.Position, ev.EventType, idStr, ev.Data, ev.Tags)
}

func runMaintain(args []string) error {
	fs := flag.NewFlagSet("maintain", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("maintain: -config is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	db, err := umadb.Open(cfg.Path, umadb.Options{PageSize: cfg.PageSize})
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := NewMaintainer(db, cfg)
	if err != nil {
		return err
	}
	m.Start()
	defer m.Stop()

	select {}
}
