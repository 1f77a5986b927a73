// Command netplay-host runs a netplay.Session against a real rendezvous
// server and real peers, using an in-memory controls.Recorder as a stand-in
// for a game. It's supplementary tooling implied by the session's "host
// game loop" boundary and the protocol's pump model, not a new protocol
// feature: it exists so the library has something runnable end to end, the
// way cmd/atlas runs pkg/atlas.Server.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/anuraeng/netplay/pkg/controls"
	"github.com/anuraeng/netplay/pkg/netplay"
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
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var cfg netplay.Config
	if err := cfg.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server == "" {
		fmt.Fprintln(os.Stderr, "error: NETPLAY_SERVER is required")
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.LogLevel).With().Timestamp().Logger()

	ctrl := controls.NewRecorder(1)
	sess := netplay.New(cfg, ctrl, log, nil)

	if addr, ok := lookupEnv("NETPLAY_DEBUG_SERVER_ADDR", e); ok && addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			serveMetrics(w, r, sess)
		})
		go func() {
			log.Warn().Str("addr", addr).Msg("running insecure debug server")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn().Err(err).Msg("debug server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, sess, log); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, sess *netplay.Session, log zerolog.Logger) error {
	if err := sess.SetupNetworkedGame(ctx); err != nil {
		return fmt.Errorf("setup networked game: %w", err)
	}
	defer sess.Close()

	idle := func() bool {
		log.Debug().Stringer("state", sess.State()).Msg("bootstrapping")
		return true
	}
	if err := sess.SyncStartTime(ctx, idle); err != nil {
		return fmt.Errorf("sync start time: %w", err)
	}
	log.Info().Int("delay", sess.Delay()).Msg("session running")

	const frameInterval = 20 * time.Millisecond
	t := time.NewTicker(frameInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := sess.SendAndReceive(); err != nil {
				return fmt.Errorf("send and receive: %w", err)
			}
		}
	}
}

// serveMetrics mirrors pkg/atlas.Server.serveRest's /metrics handler: a
// plain-text Prometheus exposition body, gzip-compressed when the client
// advertises support for it.
func serveMetrics(w http.ResponseWriter, r *http.Request, sess *netplay.Session) {
	var b bytes.Buffer
	sess.WritePrometheus(&b)

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		io.Copy(gz, &b)
		return
	}

	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range r.Header.Values("Accept-Encoding") {
		if enc == "gzip" || bytes.Contains([]byte(enc), []byte("gzip")) {
			return true
		}
	}
	return false
}

func lookupEnv(k string, e []string) (string, bool) {
	for _, x := range e {
		if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
			return xv, true
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
