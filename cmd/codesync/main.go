package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/manpreetbhatti/codesync/internal/completion"
	"github.com/manpreetbhatti/codesync/internal/config"
	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/reconcile"
	"github.com/manpreetbhatti/codesync/internal/rooms"
	"github.com/manpreetbhatti/codesync/internal/session"
)

const usage = `usage: codesync [flags]

Joins a shared room and streams edits from stdin. Each line is appended to
the document. Commands:
  :accept   append the current suggestion
  :clear    replace the document with an empty one
  :show     print the document
`

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	roomID := flag.String("room", "", "room to join")
	list := flag.Bool("list", false, "list rooms and exit")
	create := flag.Bool("create", false, "create a room and join it")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *roomID, *list, *create); err != nil {
		logger.Error("codesync failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, roomID string, list, create bool) error {
	directory := rooms.NewClient(cfg.BaseURL, nil)

	if list {
		all, err := directory.List(ctx)
		if err != nil {
			return err
		}
		for _, r := range all {
			fmt.Printf("%s\t%d bytes\n", r.ID, len(r.Code))
		}
		return nil
	}

	if create {
		id, err := directory.Create(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "created room %s\n", id)
		roomID = id
	}

	if roomID == "" {
		flag.Usage()
		return errors.New("a room is required")
	}

	sess, err := session.Start(ctx, session.Config{
		RelayURL:          cfg.WSURL,
		RoomID:            roomID,
		Completer:         completion.NewHTTPClient(cfg.BaseURL, nil),
		Language:          cfg.Language,
		Debounce:          cfg.Debounce,
		CompletionTimeout: cfg.CompletionTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	go printEvents(sess)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return sess.Teardown()
		case line, ok := <-lines:
			if !ok {
				return sess.Teardown()
			}
			handleLine(sess, line)
		}
	}
}

func handleLine(sess *session.Session, line string) {
	switch strings.TrimSpace(line) {
	case ":accept":
		if sg := sess.Suggestion(); sg.Valid {
			sess.Edit(sess.Document() + sg.Text)
		}
	case ":clear":
		sess.Edit("")
	case ":show":
		fmt.Println(sess.Document())
	default:
		sess.Edit(sess.Document() + line + "\n")
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func printEvents(sess *session.Session) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case session.StatusChanged:
			if ev.Err != nil {
				fmt.Fprintf(os.Stderr, "[%s] %v\n", ev.Status, ev.Err)
			} else {
				fmt.Fprintf(os.Stderr, "[%s]\n", ev.Status)
			}
		case session.DocumentChanged:
			if ev.Origin == reconcile.OriginRemote {
				fmt.Fprintf(os.Stderr, "--- remote update (%d bytes)\n%s\n---\n", len(ev.Document), ev.Document)
			}
		case session.SuggestionChanged:
			if ev.Suggestion.Valid {
				fmt.Fprintf(os.Stderr, "suggestion: %q\n", ev.Suggestion.Text)
			} else {
				fmt.Fprintln(os.Stderr, "suggestion cleared")
			}
		}
	}
}
