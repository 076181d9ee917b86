package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/procmadatelzobak/iris-relay/internal/dispatch"
	"github.com/procmadatelzobak/iris-relay/internal/gen"
	"github.com/procmadatelzobak/iris-relay/internal/hub"
	persistlog "github.com/procmadatelzobak/iris-relay/internal/persistence/log"
	"github.com/procmadatelzobak/iris-relay/internal/persistence/snapshot"
	"github.com/procmadatelzobak/iris-relay/internal/persistence/store"
	"github.com/procmadatelzobak/iris-relay/internal/protocol"
	"github.com/procmadatelzobak/iris-relay/internal/sim/env"
	"github.com/procmadatelzobak/iris-relay/internal/sim/scheduler"
	"github.com/procmadatelzobak/iris-relay/internal/sim/tuning"
	"github.com/procmadatelzobak/iris-relay/internal/sim/window"
	"github.com/procmadatelzobak/iris-relay/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		genURL     = flag.String("gen_url", "", "OpenAI-compatible endpoint for generation (empty: offline fallbacks)")
		genModel   = flag.String("gen_model", "gpt-4o-mini", "generation model name")
		snapPath   = flag.String("snapshot", "", "path to env snapshot (default: <data>/env.snap.zst)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	runID := uuid.NewString()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	sp := strings.TrimSpace(*snapPath)
	if sp == "" {
		sp = filepath.Join(*dataDir, "env.snap.zst")
	}

	st, err := store.Open(filepath.Join(*dataDir, "relay.db"))
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	eventLog := persistlog.NewEventLogger(*dataDir)
	defer eventLog.Close()
	events := func(kind, detail string) {
		if err := eventLog.WriteEvent(kind, detail); err != nil {
			logger.Printf("event log: %v", err)
		}
		if err := st.AppendSystemEvent(context.Background(), kind, detail); err != nil {
			logger.Printf("event store: %v", err)
		}
	}

	e := env.New(tune)
	if snap, err := snapshot.Load(sp); err == nil {
		e.Restore(snap.Env)
		logger.Printf("restored env snapshot from %s (saved %s)", sp, snap.Header.SavedAt)
	} else if !os.IsNotExist(err) {
		logger.Printf("env snapshot: %v (starting fresh)", err)
	}

	win := window.NewTracker()
	h := hub.New(tune.TotalSessions)

	var generator gen.Generator
	if strings.TrimSpace(*genURL) != "" {
		generator = gen.NewClient(*genURL, os.Getenv("IRIS_GEN_API_KEY"), 30*time.Second)
	} else {
		logger.Printf("no generation endpoint configured; using offline fallbacks")
		generator = &gen.Scripted{}
		e.SetTestMode(true)
	}

	disp := dispatch.New(tune, e, win, h, st, generator, dispatch.DefaultPrompts(*genModel), logger, events)
	sched := scheduler.New(tune, e, win, h, logger, events)
	edge := ws.NewServer(tune, e, h, st, disp, logger)

	ctx, cancel := signalContext()
	defer cancel()

	sched.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", edge.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		p := e.Public()
		over := 0
		if p.Overloaded {
			over = 1
		}

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP iris_relay_temperature Reactor temperature.\n")
		fmt.Fprintf(rw, "# TYPE iris_relay_temperature gauge\n")
		fmt.Fprintf(rw, "iris_relay_temperature{run=%q} %.2f\n", runID, p.Temperature)

		fmt.Fprintf(rw, "# HELP iris_relay_power_load Current power load.\n")
		fmt.Fprintf(rw, "# TYPE iris_relay_power_load gauge\n")
		fmt.Fprintf(rw, "iris_relay_power_load{run=%q} %.2f\n", runID, p.Load)

		fmt.Fprintf(rw, "# HELP iris_relay_power_capacity Current power capacity.\n")
		fmt.Fprintf(rw, "# TYPE iris_relay_power_capacity gauge\n")
		fmt.Fprintf(rw, "iris_relay_power_capacity{run=%q} %.2f\n", runID, p.Capacity)

		fmt.Fprintf(rw, "# HELP iris_relay_treasury Treasury balance.\n")
		fmt.Fprintf(rw, "# TYPE iris_relay_treasury gauge\n")
		fmt.Fprintf(rw, "iris_relay_treasury{run=%q} %d\n", runID, p.Treasury)

		fmt.Fprintf(rw, "# HELP iris_relay_overloaded Overload flag (0/1).\n")
		fmt.Fprintf(rw, "# TYPE iris_relay_overloaded gauge\n")
		fmt.Fprintf(rw, "iris_relay_overloaded{run=%q} %d\n", runID, over)

		fmt.Fprintf(rw, "# HELP iris_relay_shift_offset Current rotation offset.\n")
		fmt.Fprintf(rw, "# TYPE iris_relay_shift_offset gauge\n")
		fmt.Fprintf(rw, "iris_relay_shift_offset{run=%q} %d\n", runID, p.Offset)

		fmt.Fprintf(rw, "# HELP iris_relay_terminals Connected subject and operator terminals.\n")
		fmt.Fprintf(rw, "# TYPE iris_relay_terminals gauge\n")
		fmt.Fprintf(rw, "iris_relay_terminals{run=%q} %d\n", runID, h.TerminalCount())
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Printf("iris-relay %s listening on %s (protocol %s)", runID, *addr, protocol.Version)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}

	sched.Stop()

	if err := snapshot.Save(sp, snapshot.EnvStateV1{
		Header: snapshot.Header{Version: 1, SavedAt: time.Now().UTC().Format(time.RFC3339)},
		Env:    e.Snapshot(),
	}); err != nil {
		logger.Printf("save env snapshot: %v", err)
	} else {
		logger.Printf("env snapshot saved to %s", sp)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
