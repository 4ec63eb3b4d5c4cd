package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/openxen/xenstore/xenstored"
)

const XenstoredCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Xenstore control.

Talks to the daemon over its unix socket, or over a websocket with a
domain token.

Usage:
    xenstoredctl read <path> [options]
    xenstoredctl write <path> <value> [options]
    xenstoredctl mkdir <path> [options]
    xenstoredctl rm <path> [options]
    xenstoredctl ls <path> [options]
    xenstoredctl get-perms <path> [options]
    xenstoredctl set-perms <path> <perm>... [options]
    xenstoredctl watch <path> [--token=<token>] [--count=<count>] [options]
    xenstoredctl domain-path <dom_id> [options]
    xenstoredctl mint-token --dom_id=<dom_id> [--duration=<duration>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --socket=<path>        Daemon socket [default: /var/run/xenstored/socket].
    --ws=<url>             Websocket url instead of the socket.
    --jwt=<jwt>            Domain token for websocket connections.
    --tx=<tx_id>           Run inside an existing transaction.
    --token=<token>        Watch token [default: xenstoredctl].
    --count=<count>        Print this many events then exit.
    --dom_id=<dom_id>      Domain id.
    --duration=<duration>  Token lifetime [default: 24h].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], XenstoredCtlVersion)
	if err != nil {
		panic(err)
	}

	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := dial(cancelCtx, opts)
	defer client.Close()

	txId := xenstored.RootTransaction
	if tx, err := opts.Int("--tx"); err == nil {
		txId = xenstored.TxId(tx)
	}

	if read_, _ := opts.Bool("read"); read_ {
		read(cancelCtx, client, txId, opts)
	} else if write_, _ := opts.Bool("write"); write_ {
		write(cancelCtx, client, txId, opts)
	} else if mkdir_, _ := opts.Bool("mkdir"); mkdir_ {
		mkdir(cancelCtx, client, txId, opts)
	} else if rm_, _ := opts.Bool("rm"); rm_ {
		rm(cancelCtx, client, txId, opts)
	} else if ls_, _ := opts.Bool("ls"); ls_ {
		ls(cancelCtx, client, txId, opts)
	} else if getPerms_, _ := opts.Bool("get-perms"); getPerms_ {
		getPerms(cancelCtx, client, txId, opts)
	} else if setPerms_, _ := opts.Bool("set-perms"); setPerms_ {
		setPerms(cancelCtx, client, txId, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(cancelCtx, client, opts)
	} else if domainPath_, _ := opts.Bool("domain-path"); domainPath_ {
		domainPath(cancelCtx, client, opts)
	}
}

func dial(ctx context.Context, opts docopt.Opts) *xenstored.Client {
	if wsAny := opts["--ws"]; wsAny != nil {
		jwt, _ := opts.String("--jwt")
		transport, err := xenstored.DialWs(
			ctx,
			wsAny.(string),
			jwt,
			xenstored.DefaultWsTransportSettings(),
		)
		if err != nil {
			Err.Fatalf("connect error: %s", err)
		}
		return xenstored.NewClientWithDefaults(ctx, transport)
	}

	socketPath, _ := opts.String("--socket")
	socket, err := net.Dial("unix", socketPath)
	if err != nil {
		Err.Fatalf("connect error: %s", err)
	}
	return xenstored.NewClientWithDefaults(ctx, xenstored.NewStreamTransport(socket))
}

func read(ctx context.Context, client *xenstored.Client, txId xenstored.TxId, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	value, err := client.Read(ctx, txId, path)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", value)
}

func write(ctx context.Context, client *xenstored.Client, txId xenstored.TxId, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	value, _ := opts.String("<value>")
	if err := client.Write(ctx, txId, path, []byte(value)); err != nil {
		Err.Fatalf("%s", err)
	}
}

func mkdir(ctx context.Context, client *xenstored.Client, txId xenstored.TxId, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	if err := client.Mkdir(ctx, txId, path); err != nil {
		Err.Fatalf("%s", err)
	}
}

func rm(ctx context.Context, client *xenstored.Client, txId xenstored.TxId, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	if err := client.Rm(ctx, txId, path); err != nil {
		Err.Fatalf("%s", err)
	}
}

func ls(ctx context.Context, client *xenstored.Client, txId xenstored.TxId, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	children, err := client.Directory(ctx, txId, path)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, child := range children {
		Out.Printf("%s", child)
	}
}

func getPerms(ctx context.Context, client *xenstored.Client, txId xenstored.TxId, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	permissions, err := client.GetPerms(ctx, txId, path)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, p := range permissions {
		Out.Printf("%s", xenstored.EncodePermission(p))
	}
}

func setPerms(ctx context.Context, client *xenstored.Client, txId xenstored.TxId, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	permStrs := opts["<perm>"].([]string)
	permissions := make([]xenstored.Permission, 0, len(permStrs))
	for _, s := range permStrs {
		p, err := xenstored.ParsePermission(s)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		permissions = append(permissions, p)
	}
	if err := client.SetPerms(ctx, txId, path, permissions); err != nil {
		Err.Fatalf("%s", err)
	}
}

func watch(ctx context.Context, client *xenstored.Client, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	token, _ := opts.String("--token")

	count := -1
	if count_, err := opts.Int("--count"); err == nil {
		count = count_
	}

	if err := client.Watch(ctx, path, token); err != nil {
		Err.Fatalf("%s", err)
	}

	for i := 0; count < 0 || i < count; i += 1 {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-client.Events():
			if !ok {
				return
			}
			if event.Overflow {
				Out.Printf("! events dropped")
			} else {
				Out.Printf("%s %s", event.Path, event.Token)
			}
		}
	}
}

func domainPath(ctx context.Context, client *xenstored.Client, opts docopt.Opts) {
	domId, err := opts.Int("<dom_id>")
	if err != nil {
		Err.Fatalf("bad dom_id: %s", err)
	}
	path, err := client.GetDomainPath(ctx, xenstored.DomainId(domId))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", path)
}

func mintToken(opts docopt.Opts) {
	domId, err := opts.Int("--dom_id")
	if err != nil {
		Err.Fatalf("bad dom_id: %s", err)
	}
	durationStr, _ := opts.String("--duration")
	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		Err.Fatalf("bad duration: %s", err)
	}

	var secret []byte
	if s := os.Getenv("XENSTORED_SECRET"); s != "" {
		secret = []byte(s)
	} else {
		fmt.Print("Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = secretBytes
		fmt.Printf("\n")
	}

	jwt, err := xenstored.MintDomainJwt(secret, xenstored.DomainId(domId), duration)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", jwt)
}
