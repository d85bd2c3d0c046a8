// Command vrutestctl drives a running engine over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/vrutest/internal/ctl"
	"github.com/banshee-data/vrutest/internal/session"
)

const usage = `usage: vrutestctl [-server URL] <command> [args]

commands:
  version                   server build metadata
  list                      active sessions
  defined                   stored session definitions
  define <file.json>        store a session definition
  start <session>           load and start a session
  control <session> <act>   play, pause, resume, next, previous, restart, stop
  state <session>           playback state and metrics
  results <session>         match results (live or stored)
  finalize <session>        seal matching and report false negatives
  signal <line...>          post a device signal line, e.g. "S sess 12.5"
`

func main() {
	server := flag.String("server", "http://localhost:8080", "Engine base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := ctl.New(*server, &http.Client{})
	if err := run(ctx, c, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vrutestctl: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func need(args []string, n int, what string) error {
	if len(args) < n {
		return fmt.Errorf("%s\n\n%s", what, usage)
	}
	return nil
}

func run(ctx context.Context, c *ctl.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n\n%s", usage)
	}
	cmd, args := args[0], args[1:]

	var (
		v   any
		err error
	)
	switch cmd {
	case "version":
		v, err = c.Version(ctx)
	case "list":
		v, err = c.ListActive(ctx)
	case "defined":
		v, err = c.ListDefined(ctx)
	case "define":
		if err := need(args, 1, "define needs a file"); err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var def session.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}
		if err := c.Define(ctx, def); err != nil {
			return err
		}
		v = map[string]string{"defined": def.Session.ID}
	case "start":
		if err := need(args, 1, "start needs a session id"); err != nil {
			return err
		}
		v, err = c.Start(ctx, args[0])
	case "control":
		if err := need(args, 2, "control needs a session id and an action"); err != nil {
			return err
		}
		v, err = c.Control(ctx, args[0], args[1])
	case "state":
		if err := need(args, 1, "state needs a session id"); err != nil {
			return err
		}
		v, err = c.State(ctx, args[0])
	case "results":
		if err := need(args, 1, "results needs a session id"); err != nil {
			return err
		}
		v, err = c.Results(ctx, args[0])
	case "finalize":
		if err := need(args, 1, "finalize needs a session id"); err != nil {
			return err
		}
		v, err = c.Finalize(ctx, args[0])
	case "signal":
		if err := need(args, 1, "signal needs a line"); err != nil {
			return err
		}
		if err := c.Signal(ctx, strings.Join(args, " ")); err != nil {
			return err
		}
		v = map[string]string{"status": "ok"}
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
	if err != nil {
		return err
	}
	return printJSON(out, v)
}
