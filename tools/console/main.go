package main

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/caissapos/caissa/internal/store"
	"github.com/chzyer/readline"
	"github.com/muesli/coral"
	"github.com/pkg/errors"
)

// go run tools/console/main.go ~/.caissa/profile.db

func main() {
	c := &coral.Command{
		Use:   "console DATABASE",
		Short: "Inspection console for a caissa profile database",
		Args:  coral.ExactArgs(1),
		RunE: func(_ *coral.Command, args []string) error {
			fmt.Println("Opening", args[0])
			kv, err := store.OpenStorm(args[0])
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer kv.Close()

			rl, err := readline.New("caissa> ")
			if err != nil {
				return errors.Wrap(err, "could not start console")
			}
			defer rl.Close()

			for {
				line, err := rl.Readline()
				if err != nil {
					return nil
				}
				if !execute(kv, strings.TrimSpace(line)) {
					return nil
				}
			}
		},
	}

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

// execute interprets one console line. Returns false to quit.
func execute(kv store.KV, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")

	switch cmd {
	case "":
	case "help":
		fmt.Println("commands: record, keys [prefix], get KEY, active-since DATE, delete KEY, quit")
	case "record":
		dump(kv, store.RecordKey)
	case "keys":
		keys, err := kv.Keys(arg)
		if err != nil {
			fmt.Println(err)
			return true
		}
		for _, key := range keys {
			fmt.Println(key)
		}
	case "get":
		dump(kv, arg)
	case "active-since":
		activeSince(kv, arg)
	case "delete":
		if err := kv.Delete(arg); err != nil {
			fmt.Println(err)
		}
	case "quit", "exit":
		return false
	default:
		fmt.Printf("unknown command: %s\n", cmd)
	}
	return true
}

func dump(kv store.KV, key string) {
	payload, err := kv.Get(key)
	if err != nil {
		fmt.Println(err)
		return
	}
	if payload == nil {
		fmt.Println("no such key")
		return
	}

	var pretty map[string]any
	if err := json.Unmarshal(payload, &pretty); err != nil {
		fmt.Println(string(payload))
		return
	}
	d, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(d))
}

// activeSince tells whether the session record saw activity after the given
// date. The date is parsed leniently, e.g. `2026-02-03` or `02/03/2026 15:04`.
func activeSince(kv store.KV, date string) {
	since, err := dateparse.ParseLocal(date)
	if err != nil {
		fmt.Println("unparsable date:", err)
		return
	}

	payload, err := kv.Get(store.RecordKey)
	if err != nil || payload == nil {
		fmt.Println("no session record")
		return
	}

	var record struct {
		LastActivity int64 `json:"lastActivity"`
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		fmt.Println("unreadable session record:", err)
		return
	}

	last := time.UnixMilli(record.LastActivity)
	if last.After(since) {
		fmt.Printf("yes, last activity at %s\n", last.Format(time.RFC3339))
		return
	}
	fmt.Printf("no, last activity at %s\n", last.Format(time.RFC3339))
}
