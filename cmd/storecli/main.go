// Package main is a small interactive client for poking a running
// store server: list, fetch, store and lock records of one type.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"ledgerstore/internal/client"
	"ledgerstore/internal/models"
)

var (
	version   string
	buildDate string
)

// repl runs the interactive shell loop, accepting commands against the
// remote store.
func repl(store *client.Store[*models.Document], typeName string) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("%s> ", typeName)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "help":
			fmt.Println("Available commands: help, list, get <id>, add <json>, put <id> <json>, remove <id>, lock <id>, release <id>, size, exit")
		case "list":
			records, err := store.Values()
			if err != nil {
				fmt.Println("list failed:", err)
				continue
			}
			for _, rec := range records {
				b, _ := json.Marshal(rec)
				fmt.Println(string(b))
			}
		case "get":
			if len(args) < 2 {
				fmt.Println("Usage: get <id>")
				continue
			}
			rec, ok, err := store.Get(args[1])
			if err != nil {
				fmt.Println("get failed:", err)
				continue
			}
			if !ok {
				fmt.Println("Record not found")
				continue
			}
			b, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Println(string(b))
		case "add", "put":
			rec, err := parseRecord(typeName, args)
			if err != nil {
				fmt.Println(err)
				continue
			}
			changeID, err := store.Put(rec)
			if err != nil {
				fmt.Println("put failed:", err)
				continue
			}
			fmt.Printf("stored %s as change %d\n", rec.ID(), changeID)
		case "remove":
			if len(args) < 2 {
				fmt.Println("Usage: remove <id>")
				continue
			}
			if err := store.Remove(args[1]); err != nil {
				fmt.Println("remove failed:", err)
				continue
			}
			fmt.Println("Record removed")
		case "lock":
			if len(args) < 2 {
				fmt.Println("Usage: lock <id>")
				continue
			}
			ok, err := store.TryLock(args[1])
			if err != nil {
				fmt.Println("lock failed:", err)
				continue
			}
			if ok {
				fmt.Println("Lock held")
			} else {
				fmt.Println("Locked by another user")
			}
		case "release":
			if len(args) < 2 {
				fmt.Println("Usage: release <id>")
				continue
			}
			if err := store.ReleaseLock(args[1]); err != nil {
				fmt.Println("release failed:", err)
				continue
			}
			fmt.Println("Lock released")
		case "size":
			n, err := store.Size()
			if err != nil {
				fmt.Println("size failed:", err)
				continue
			}
			fmt.Println(n)
		case "exit", "quit":
			store.ReleaseAllLocks()
			return
		default:
			fmt.Println("Unknown command, try: help")
		}
	}
	store.ReleaseAllLocks()
}

// parseRecord builds a Document from "add <json>" (fresh uuid id) or
// "put <id> <json>".
func parseRecord(typeName string, args []string) (*models.Document, error) {
	rec := models.NewDocument(typeName, "")
	switch args[0] {
	case "add":
		if len(args) < 2 {
			return nil, fmt.Errorf("Usage: add <json>")
		}
		if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), rec); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		if rec.ID() == "" {
			rec.Set("id", uuid.NewString())
		}
	case "put":
		if len(args) < 3 {
			return nil, fmt.Errorf("Usage: put <id> <json>")
		}
		if err := json.Unmarshal([]byte(strings.Join(args[2:], " ")), rec); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		rec.Set("id", args[1])
	}
	return rec, nil
}

func main() {
	addr := flag.String("a", "localhost:9090", "store server address")
	username := flag.String("u", models.AdminUser, "username")
	secret := flag.String("s", "", "wire secret issued at account setup")
	typeName := flag.String("t", "Invoice", "record type")
	flag.Parse()

	fmt.Printf("storecli %s (%s)\n", version, buildDate)

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "missing -s wire secret")
		os.Exit(2)
	}

	store, err := client.New(client.Config{
		Addr:        *addr,
		Username:    *username,
		Secret:      *secret,
		ExtendedKey: true,
	}, func() *models.Document { return models.NewDocument(*typeName, "") })
	if err != nil {
		fmt.Fprintln(os.Stderr, "init client:", err)
		os.Exit(1)
	}

	repl(store, *typeName)
}
