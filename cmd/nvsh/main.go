package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chzyer/readline"
	"github.com/devrev/nvstore/internal/client"
	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/service"
	"go.uber.org/zap"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "nvsh - interactive shell for an nvstore region\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: nvsh [options] [region_file]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Opens region_file directly, or connects to a running nvsd with -addr.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
	}

	addr := flag.String("addr", "", "Address of a running nvsd (host:port)")
	pageSize := flag.Int("page-size", 4096, "Page size of the region file")
	pages := flag.Int("pages", 16, "Page count of the region file")
	ns := flag.String("ns", "storage", "Initial namespace")
	verbose := flag.Bool("v", false, "Log store activity to stderr")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}

	b, err := openBackend(*addr, flag.Arg(0), *pageSize, *pages, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer b.Close()

	runInteractive(newShell(b, *ns))
}

func openBackend(addr, path string, pageSize, pages int, logger *zap.Logger) (backend, error) {
	if addr != "" {
		c, err := client.NewStoreClient(addr, logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.WaitReady(ctx, 5, 500*time.Millisecond); err != nil {
			c.Close()
			return nil, err
		}
		return &remoteBackend{c: c}, nil
	}

	if path == "" {
		return nil, fmt.Errorf("a region file or -addr is required")
	}
	region, err := flash.OpenFileRegion(path, pageSize, pages)
	if err != nil {
		return nil, err
	}
	store, err := service.Open(context.Background(), region, service.DefaultStoreConfig(), logger, nil)
	if err != nil {
		region.Close()
		return nil, err
	}
	rec := store.Recovery()
	fmt.Printf("Opened %s: %d items, %d damaged, %d interrupted collections resumed\n",
		path, rec.Items, rec.GarbageItems, rec.ResumedGC)
	return &localBackend{store: store, close: region.Close}, nil
}

func runInteractive(s *shell) {
	fmt.Println("nvsh - enter .help for usage hints.")

	// Setup readline with history support
	historyFile := filepath.Join(os.TempDir(), ".nvsh_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		return
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if s.exec(context.Background(), line, os.Stdout) {
			break
		}
	}
}
