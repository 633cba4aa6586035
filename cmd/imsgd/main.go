// imsgd bridges the macOS Messages database to JSON-RPC clients.
//
// Usage:
//
//	imsgd rpc [--db <path>]
//
// The rpc subcommand speaks line-delimited JSON-RPC 2.0 on stdio until the
// peer closes its end. Logs go to stderr and ~/.imsg/logs; stdout carries
// only protocol frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/imsglab/imsg/internal/daemon"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "rpc" {
		fmt.Fprintln(os.Stderr, "usage: imsgd rpc [--db <path>]")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("rpc", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to chat.db (default ~/Library/Messages/chat.db)")
	_ = fs.Parse(os.Args[2:])

	app := fx.New(
		daemon.Module(daemon.Params{DBPath: *dbPath}),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "imsgd: %v\n", err)
		os.Exit(1)
	}

	sig := <-app.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancelStop()
	_ = app.Stop(stopCtx)
	os.Exit(sig.ExitCode)
}
