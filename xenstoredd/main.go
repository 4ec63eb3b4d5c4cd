package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/openxen/xenstore/xenstored"
)

const XenstoreddVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Xenstore daemon.

Serves the store on a local unix socket (connections are dom0) and
optionally on a websocket listener where connections authenticate as a
domain with a token. Without --secret the websocket secret is read from
the XENSTORED_SECRET environment variable, or prompted.

Usage:
    xenstoredd run [--socket=<path>] [--ws=<addr>] [--secret=<secret>]
        [--max_nodes=<n>] [--max_transactions=<n>] [--verbose=<level>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --socket=<path>            Unix socket path [default: /var/run/xenstored/socket].
    --ws=<addr>                Websocket listen address, e.g. :8443.
    --secret=<secret>          HMAC secret for domain tokens.
    --max_nodes=<n>            Node quota per unprivileged domain.
    --max_transactions=<n>     Global live transaction limit.
    --verbose=<level>          Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], XenstoreddVersion)
	if err != nil {
		panic(err)
	}

	verbose, _ := opts.Int("--verbose")
	flag.CommandLine.Parse([]string{"-logtostderr", fmt.Sprintf("-v=%d", verbose)})

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	socketPath, _ := opts.String("--socket")

	var wsAddress string
	if wsAny := opts["--ws"]; wsAny != nil {
		wsAddress = wsAny.(string)
	}

	settings := xenstored.DefaultServerSettings()

	if maxNodes, err := opts.Int("--max_nodes"); err == nil {
		settings.SystemSettings.StoreSettings.MaxNodesPerDomain = maxNodes
	}
	if maxTransactions, err := opts.Int("--max_transactions"); err == nil {
		settings.SystemSettings.TransactionManagerSettings.MaxTransactions = maxTransactions
	}
	if wsAddress != "" {
		settings.WsSecret = wsSecret(opts)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		defer cancel()
		select {
		case <-cancelCtx.Done():
		case s := <-signals:
			Out.Printf("%s", s)
		}
	}()

	server := xenstored.NewServer(cancelCtx, settings)
	defer server.Close()

	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		Err.Fatalf("listen error: %s", err)
	}
	Out.Printf("xenstoredd %s on %s", XenstoreddVersion, socketPath)

	if wsAddress != "" {
		wsServer := &http.Server{
			Addr:    wsAddress,
			Handler: http.HandlerFunc(server.ServeWs),
		}
		go func() {
			defer cancel()
			Out.Printf("ws on %s", wsAddress)
			if err := wsServer.ListenAndServe(); err != nil {
				Err.Printf("ws error: %s", err)
			}
		}()
		defer wsServer.Shutdown(cancelCtx)
	}

	go func() {
		defer cancel()
		if err := server.ListenAndServe(listener); err != nil {
			Err.Printf("serve error: %s", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	}
	os.Remove(socketPath)
}

func wsSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	if secret := os.Getenv("XENSTORED_SECRET"); secret != "" {
		return []byte(secret)
	}
	fmt.Print("Enter secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return secretBytes
}
