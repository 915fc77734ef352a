package gcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gordian-engine/nocap/gconsensus"
	"github.com/gordian-engine/nocap/gfanout"
	"github.com/gordian-engine/nocap/gledger"
	"github.com/gordian-engine/nocap/internal/gchat"
	"github.com/gordian-engine/nocap/internal/gconfig"
	"github.com/gordian-engine/nocap/internal/gextip"
	"github.com/gordian-engine/nocap/internal/gsi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCommand() *cobra.Command {
	v := gconfig.NewViper()
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := gconfig.ReadFile(v, configFile); err != nil {
				return err
			}
			cfg, err := gconfig.Load(v)
			if err != nil {
				return err
			}

			log, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runNode(ctx, log, cfg, nil)
		},
	}

	cmd.Flags().StringVar(
		&configFile, "config", "",
		"path to a TOML config file (default "+gconfig.DefaultConfigFile+" if present)",
	)
	if err := gconfig.AddFlags(cmd.Flags(), v); err != nil {
		panic(fmt.Errorf("BUG: failed to register config flags: %w", err))
	}

	return cmd
}

// listenAddrs reports where a running node accepts connections.
type listenAddrs struct {
	TCP, HTTP net.Addr
}

// runNode wires every component together and blocks until ctx is cancelled
// or a front door fails.
// If started is not nil, it is called once both listeners are open.
func runNode(ctx context.Context, log *slog.Logger, cfg gconfig.Config, started func(listenAddrs)) error {
	name := cfg.NodeName
	if name == "" {
		name = petname.Generate(3, "-")
	}
	log = log.With("node", name)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ledger := gledger.NewBlockchain(log.With("sys", "ledger"))

	registry, err := gconsensus.NewProposalRegistry(cfg.RegistryCapacity)
	if err != nil {
		return err
	}

	hub := gfanout.NewHub(log.With("sys", "fanout"), gfanout.HubConfig{
		WriteTimeout: cfg.PeerWriteTimeout,
	})
	if err := hub.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("failed to register fan-out metrics: %w", err)
	}

	engine, err := gconsensus.NewEngine(log.With("sys", "engine"), gconsensus.EngineConfig{
		Ledger:   ledger,
		Registry: registry,
		Peers:    hub,
		Metrics:  gconsensus.NewMetrics(reg),
	})
	if err != nil {
		return err
	}

	tcpLn, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.TCPAddr, err)
	}
	httpLn, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = tcpLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	chat := gchat.NewServer(egCtx, log.With("sys", "chat"), gchat.ServerConfig{
		Listener:     tcpLn,
		Engine:       engine,
		Peers:        hub,
		WriteTimeout: cfg.PeerWriteTimeout,
	})
	eg.Go(func() error {
		chat.Wait()
		if ctx.Err() == nil {
			return errors.New("chat server stopped unexpectedly")
		}
		return nil
	})

	h := gsi.NewHTTPServer(egCtx, log.With("sys", "http"), gsi.HTTPServerConfig{
		Listener:         httpLn,
		Engine:           engine,
		Ledger:           ledger,
		Peers:            hub,
		NodeName:         name,
		SubscriberBuffer: cfg.SubscriberBuffer,
		WriteTimeout:     cfg.PeerWriteTimeout,
		Gatherer:         reg,
	})
	eg.Go(func() error {
		h.Wait()
		if ctx.Err() == nil {
			return errors.New("HTTP server stopped unexpectedly")
		}
		return nil
	})

	if cfg.LookupExternalIP {
		eg.Go(func() error {
			lookup := gextip.NewLookup(gextip.LookupConfig{URL: cfg.ExternalIPURL})
			ip, err := lookup.ExternalIP(egCtx)
			if err != nil {
				// Not fatal: the node works without knowing its public address.
				log.Warn("Failed to look up external IP", "err", err)
				return nil
			}
			log.Info("Found external IP", "ip", ip, "tcp_port", port(tcpLn.Addr()))
			return nil
		})
	}

	log.Info(
		"Node started",
		"tcp_addr", tcpLn.Addr().String(),
		"http_addr", httpLn.Addr().String(),
		"genesis_hash", genesisHash(ledger),
	)
	if started != nil {
		started(listenAddrs{TCP: tcpLn.Addr(), HTTP: httpLn.Addr()})
	}

	err = eg.Wait()
	log.Info("Node stopped", "n_blocks", ledger.Len())
	return err
}

func genesisHash(bc *gledger.Blockchain) string {
	b, ok := bc.BlockAt(0)
	if !ok {
		return ""
	}
	return b.Hash
}

func port(a net.Addr) int {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}
