// Command vnetd runs a single overlay-network node: it authenticates to
// a rendezvous server, holds a virtual IPv4 address, and exchanges
// encrypted datagrams with peers directly or via relay. Structurally
// adapted from cmd/atlas/main.go: pflag for CLI help, an optional env
// file overriding os.Environ, an insecure debug/pprof+metrics mux,
// signal.NotifyContext for graceful shutdown, and SIGHUP for log
// rotation. The actual command-line flag surface beyond --help, the
// tun/tap device, and OS elevation checks are collaborators out of the
// core's scope (spec §1) and are not implemented here; this entrypoint
// exists to exercise internal/config and pkg/overlaynet the way
// cmd/atlas exercises pkg/atlas.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"net/http/pprof"

	"github.com/spf13/pflag"

	"github.com/vnt-go/vnt/internal/config"
	"github.com/vnt-go/vnt/internal/logging"
	"github.com/vnt-go/vnt/pkg/overlaynet"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := config.ReadEnvFile(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var c config.Config
	if err := c.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log, reopen, err := logging.Configure(logging.Config{
		StdoutEnabled: c.LogStdout,
		StdoutPretty:  c.LogStdoutPretty,
		StdoutLevel:   c.LogStdoutLevel,
		Level:         c.LogLevel,
		File:          c.LogFile,
		FileLevel:     c.LogFileLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}

	dbg := http.NewServeMux()
	if dbgAddr, _ := getEnvList("VNT_DEBUG_SERVER_ADDR", e, os.Environ()); dbgAddr != "" {
		go func() {
			log.Warn().Str("addr", dbgAddr).Msg("running insecure debug server")
			if err := http.ListenAndServe(dbgAddr, dbg); err != nil {
				log.Warn().Err(err).Msg("debug server exited")
			}
		}()
	}
	dbg.HandleFunc("/debug/pprof/", pprof.Index)
	dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
	dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// tun is nil: the tun/tap device driver is an external collaborator
	// per spec §1, satisfied in production by something like
	// github.com/songgao/water behind the internal/tundev.Device
	// interface. A nil tun still runs the full data plane (handshake,
	// routing, punching, relay, IP proxy) without local delivery, useful
	// for relay-only deployments and for exercising the core headless.
	n, err := overlaynet.New(log, c, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize node: %v\n", err)
		os.Exit(1)
	}

	if len(c.StunServers) > 0 {
		if err := n.ProbeNAT(c.StunServers); err != nil {
			log.Warn().Err(err).Msg("initial NAT probe failed; continuing without a NAT profile, no re-probe is scheduled")
		}
	}

	dbg.Handle("/metrics", n.MetricsHandler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if reopen != nil {
		hch := make(chan os.Signal, 1)
		signal.Notify(hch, syscall.SIGHUP)
		go func() {
			for range hch {
				reopen()
			}
		}()
	}

	if err := n.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: run node: %v\n", err)
		os.Exit(1)
	}
}

func getEnvList(k string, e ...[]string) (string, bool) {
	for _, l := range e {
		for _, x := range l {
			if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
				return xv, true
			}
		}
	}
	return "", false
}
