// Command notek reads and edits documents on a notek server.
//
//	notek list
//	notek cat <id>
//	notek append <id> <text>
//	notek rename <id> <name>
//	notek rm <id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/samthor/notek/client"
	"github.com/samthor/notek/transport"
	"go.uber.org/zap"
)

const envVarPrefix = "NOTEK"

var errUsage = errors.New("usage: notek [flags] list | cat <id> | append <id> <text> | rename <id> <name> | rm <id>")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notek: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("notek", flag.ContinueOnError)
	var (
		serverURL = fs.String("server", "ws://localhost:8080/", "server address")
		logLevel  = fs.String("log-level", "warn", "log level")
		timeout   = fs.Duration("timeout", 30*time.Second, "give up after this long")
	)

	err := ff.Parse(fs, slices.Clone(os.Args[1:]), ff.WithEnvVarPrefix(envVarPrefix))
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fs.Usage()
			return nil
		}
		return err
	}

	level, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		return err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	log, err := cfg.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	args := fs.Args()
	if len(args) == 0 {
		return errUsage
	}

	switch cmd, args := args[0], args[1:]; {
	case cmd == "list" && len(args) == 0:
		return list(ctx, *serverURL)

	case cmd == "cat" && len(args) == 1:
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		return cat(ctx, *serverURL, id)

	case cmd == "rm" && len(args) == 1:
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		return remove(ctx, *serverURL, id)

	case cmd == "append" && len(args) == 2:
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		return edit(ctx, *serverURL, id, log, func(r *client.Replica) error {
			return r.InsertString(r.Len(), args[1])
		})

	case cmd == "rename" && len(args) == 2:
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		return edit(ctx, *serverURL, id, log, func(r *client.Replica) error {
			r.Rename(args[1])
			return nil
		})
	}
	return errUsage
}

func list(ctx context.Context, url string) error {
	sc, err := client.DialSync(ctx, url, transport.Options{})
	if err != nil {
		return err
	}
	defer sc.Close()

	all, err := sc.List(ctx, time.Time{})
	if err != nil {
		return err
	}
	for _, l := range all {
		got, err := sc.Fetch(ctx, l.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%v\t%s\t%s\n", l.ID, l.LastModified.Format(time.DateTime), got.Name)
	}
	return nil
}

func cat(ctx context.Context, url string, id uuid.UUID) error {
	sc, err := client.DialSync(ctx, url, transport.Options{})
	if err != nil {
		return err
	}
	defer sc.Close()

	got, err := sc.Fetch(ctx, id)
	if err != nil {
		return err
	}
	_, err = fmt.Println(got.Doc)
	return err
}

func remove(ctx context.Context, url string, id uuid.UUID) error {
	sc, err := client.DialSync(ctx, url, transport.Options{})
	if err != nil {
		return err
	}
	defer sc.Close()

	_, err = sc.Delete(ctx, id)
	return err
}

// edit joins a live session on the document, waits for its contents, applies fn and returns once
// the edit has been sent.
func edit(ctx context.Context, url string, id uuid.UUID, log *zap.Logger, fn func(r *client.Replica) error) error {
	r := client.NewReplica(url, id, client.Options{Logger: log})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// the first update is the document arriving from the server
	select {
	case <-r.Updates():
	case err := <-done:
		return err
	}

	if err := fn(r); err != nil {
		return err
	}
	r.Finish()
	return <-done
}
