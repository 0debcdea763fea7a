package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docopt/docopt-go"
	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/database"
	"github.com/drpcorg/collabdb/idgen"
	"github.com/drpcorg/collabdb/kvlog"
	"github.com/drpcorg/collabdb/realtime"
	"github.com/drpcorg/collabdb/store"
	"github.com/drpcorg/collabdb/transport"
	"github.com/drpcorg/collabdb/utils"
	"github.com/drpcorg/collabdb/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Version = "0.1.0"

const usage = `collabdb: a shell over a workspace of collaborative databases.

Usage:
    collabdb [--data=<dir>] [--workspace=<id>] [--client=<id>] [--metrics=<addr>] [--listen=<addr>] [--connect=<addr>]
    collabdb -h | --help
    collabdb --version

Options:
    -h --help           Show this screen.
    --version           Show version.
    --data=<dir>        Data directory [default: ./collabdb-data].
    --workspace=<id>    Object id of the workspace index [default: workspace].
    --client=<id>       Client id of local edits, random when 0 [default: 0].
    --metrics=<addr>    Serve prometheus metrics on this address, e.g. :9100.
    --listen=<addr>     Run a sync hub on this address, e.g. tcp://:7400.
    --connect=<addr>    Sync with a hub, e.g. tcp://localhost:7400.`

type config struct {
	Data      string `docopt:"--data"`
	Workspace string `docopt:"--workspace"`
	Client    string `docopt:"--client"`
	Metrics   string `docopt:"--metrics"`
	Listen    string `docopt:"--listen"`
	Connect   string `docopt:"--connect"`
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var cfg config
	if err = opts.Bind(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err = run(cfg); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	ctx := context.Background()
	log := utils.NewDefaultLogger(slog.LevelWarn)
	clientID, err := strconv.ParseUint(cfg.Client, 10, 64)
	if err != nil {
		return fmt.Errorf("bad client id %q: %w", cfg.Client, err)
	}

	st, err := store.Open(filepath.Join(cfg.Data, "local"), store.Options{Logger: log})
	if err != nil {
		return err
	}
	defer st.Close()
	svc := store.NewService(st, clientID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(store.Metrics()...)
	reg.MustRegister(workspace.Metrics()...)
	reg.MustRegister(realtime.Metrics()...)
	reg.MustRegister(kvlog.NewPebbleCollector(st.Log()))

	dctx := database.DatabaseContext{
		Service: svc,
		IDs:     idgen.NewGenerator(svc.ClientID()),
		Logger:  log,
	}
	ws, err := workspace.Open(ctx, cfg.Workspace, dctx, workspace.Options{FlushOnClose: true})
	if err != nil {
		return err
	}
	defer ws.Close()

	sh := &shell{ws: ws, log: log}

	if cfg.Listen != "" {
		hubStore, err := store.Open(filepath.Join(cfg.Data, "hub"), store.Options{Logger: log})
		if err != nil {
			return err
		}
		defer hubStore.Close()
		reg.MustRegister(kvlog.NewPebbleCollector(hubStore.Log()))
		hub := realtime.NewHub(store.NewService(hubStore, 0), realtime.HubOptions{Logger: log})
		defer hub.Close()
		server := transport.NewNet(hub.Connect, hub.Disconnect, transport.NetOptions{Logger: log})
		defer server.Close()
		if err = server.Listen(ctx, cfg.Listen); err != nil {
			return err
		}
	}

	if cfg.Connect != "" {
		sh.sync = newSyncer(realtime.SessionOptions{
			Origin:      realtime.ClientOrigin(int64(svc.ClientID()), cfg.Workspace),
			WorkspaceID: cfg.Workspace,
			Logger:      log,
		})
		sh.sync.bind(ws.Doc(), collab.TypeWorkspaceDatabase)
		svc.SetFetcher(sh.sync)
		client := transport.NewNet(sh.sync.install, sh.sync.destroy, transport.NetOptions{Logger: log})
		defer client.Close()
		if err = client.Connect(ctx, cfg.Connect); err != nil {
			return err
		}
	}

	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", cfg.Metrics, "err", err)
			}
		}()
		defer srv.Close()
	}

	if err = sh.Open(); err != nil {
		return err
	}
	defer sh.Close()
	return sh.Loop(ctx)
}
