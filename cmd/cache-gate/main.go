package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ericselin/cache-gate/core"
	"github.com/ericselin/cache-gate/diskcache"
	"github.com/ericselin/cache-gate/metrics/prom"
	"github.com/ericselin/cache-gate/runloop"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to load (YAML)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory cache)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if dbFilenameFlag != "" {
		config.DBPath = dbFilenameFlag
	}

	mode, err := cacheMode(config.Mode)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad cache mode")
	}

	loop := runloop.New()
	factory := &diskcache.Factory{
		Type:     diskcache.DiskCache,
		Path:     config.DBPath,
		MaxBytes: config.MaxBytes,
		Loop:     loop,
	}
	if config.DBPath == "memory" {
		factory.Type = diskcache.MemoryCache
	}

	stats := prom.New(nil, "cache_gate")
	cache := core.NewCache(core.Config{
		Factory:      factory,
		Mode:         mode,
		RangeSupport: config.RangeSupport,
		Stats:        stats,
		Logger:       &log.Logger,
		Loop:         loop,
	})

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/entries", func(w http.ResponseWriter, r *http.Request) {
		serveGet(cache, w, r)
	})
	r.Put("/entries", func(w http.ResponseWriter, r *http.Request) {
		servePut(cache, w, r)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", config.Port).Str("db", config.DBPath).Msg("cache-gate listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		cache.Shutdown()
		loop.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}

func cacheMode(name string) (core.CacheMode, error) {
	switch name {
	case "", "normal":
		return core.ModeNormal, nil
	case "disable":
		return core.ModeDisable, nil
	case "playback":
		return core.ModePlayback, nil
	case "record":
		return core.ModeRecord, nil
	}
	return core.ModeNormal, fmt.Errorf("unknown cache mode %q", name)
}

// startTransaction runs the open/create/admission cycle on the engine
// loop and waits for the outcome.
func startTransaction(cache *core.Cache, mode core.Mode, rawurl string) (*core.EntryTransaction, core.Status) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, core.ErrFailed
	}

	done := make(chan core.Status, 1)
	var txn *core.EntryTransaction
	cache.Loop().Sync(func() {
		t, err := cache.CreateTransaction(mode)
		if err != nil {
			done <- core.ErrFailed
			return
		}
		txn = t
		rv := t.Start(&core.Request{Method: "GET", URL: u}, func(s core.Status) { done <- s })
		if rv != core.ErrIOPending {
			done <- rv
		}
	})
	return txn, <-done
}

// entryIO runs one data operation on the engine loop and waits for it.
func entryIO(cache *core.Cache, op func(cb core.CompletionFunc) core.Status) core.Status {
	done := make(chan core.Status, 1)
	cache.Loop().Sync(func() {
		rv := op(func(s core.Status) { done <- s })
		if rv != core.ErrIOPending {
			done <- rv
		}
	})
	return <-done
}

func finish(cache *core.Cache, txn *core.EntryTransaction) {
	cache.Loop().Sync(func() { txn.Done(true) })
}

func servePut(cache *core.Cache, w http.ResponseWriter, r *http.Request) {
	rawurl := r.URL.Query().Get("url")
	if rawurl == "" {
		http.Error(w, "url parameter required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	txn, rv := startTransaction(cache, core.ReadWrite, rawurl)
	if rv != core.OK {
		http.Error(w, rv.String(), http.StatusBadGateway)
		return
	}
	defer finish(cache, txn)

	info := core.EntryInfo{ResponseTime: time.Now()}
	if rv := entryIO(cache, func(cb core.CompletionFunc) core.Status {
		return txn.WriteInfo(info, cb)
	}); rv < 0 {
		http.Error(w, rv.String(), http.StatusInternalServerError)
		return
	}
	if rv := entryIO(cache, func(cb core.CompletionFunc) core.Status {
		return txn.Entry().BackendEntry.WriteData(core.DataBody, 0, body, true, cb)
	}); rv < 0 {
		http.Error(w, rv.String(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func serveGet(cache *core.Cache, w http.ResponseWriter, r *http.Request) {
	rawurl := r.URL.Query().Get("url")
	if rawurl == "" {
		http.Error(w, "url parameter required", http.StatusBadRequest)
		return
	}

	txn, rv := startTransaction(cache, core.Read, rawurl)
	if rv == core.ErrCacheMiss {
		http.Error(w, "not cached", http.StatusNotFound)
		return
	}
	if rv != core.OK {
		http.Error(w, rv.String(), http.StatusBadGateway)
		return
	}
	defer finish(cache, txn)

	buf := make([]byte, 1<<20)
	n := entryIO(cache, func(cb core.CompletionFunc) core.Status {
		return txn.Entry().BackendEntry.ReadData(core.DataBody, 0, buf, cb)
	})
	if n < 0 {
		http.Error(w, n.String(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf[:n])
}
