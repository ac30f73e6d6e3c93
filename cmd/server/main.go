package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"skyhack.ai/internal/config"
	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/dungeon"
	"skyhack.ai/internal/game/oracle"
	"skyhack.ai/internal/game/procoracle"
	"skyhack.ai/internal/game/session"
	persistlog "skyhack.ai/internal/persistence/log"
	"skyhack.ai/internal/render"
	"skyhack.ai/internal/service"
	"skyhack.ai/internal/transport/httpapi"
	"skyhack.ai/internal/transport/observer"
	"skyhack.ai/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/server.yaml", "server config path (missing file uses defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides addr)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		seed       = flag.Int64("seed", 0, "game seed (overrides game.seed)")
		engineCmd  = flag.String("engine_cmd", "", "external engine command line; switches game.engine to process")
		actions    = flag.String("actions", "", "action phrase table (overrides game.actions)")
		fontPath   = flag.String("font", "", "TrueType/OpenType font for the screen image (overrides render.font_path)")
		glyphSize  = flag.Int("glyph_size", 0, "glyph size in pixels (overrides render.glyph_size)")
		disableDB  = flag.Bool("disable_db", false, "disable the turn history index")
		mcpListen  = flag.String("mcp_listen", "", "embedded MCP listen address, empty to disable (overrides mcp.listen)")
	)
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("[server] %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[server] config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "data":
			cfg.DataDir = *dataDir
		case "seed":
			cfg.Game.Seed = *seed
		case "engine_cmd":
			cfg.Game.Engine = "process"
			cfg.Game.EngineCmd = strings.Fields(*engineCmd)
		case "actions":
			cfg.Game.Actions = *actions
		case "font":
			cfg.Render.FontPath = *fontPath
		case "glyph_size":
			cfg.Render.GlyphSize = *glyphSize
		case "disable_db":
			if *disableDB {
				cfg.Index.Backend = "none"
			}
		case "mcp_listen":
			cfg.MCP.Listen = *mcpListen
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[server] %v", err)
	}

	procLog, err := persistlog.OpenProcessLog(cfg.DataDir, cfg.Log.FilePrefix)
	if err != nil {
		log.Fatalf("[server] process log: %v", err)
	}
	defer procLog.Close()
	logger := log.New(io.MultiWriter(os.Stdout, procLog), "[server] ", log.LstdFlags|log.Lmicroseconds)
	logger.Printf("started; process log=%s", procLog.Path())

	vocab := action.DefaultVocabulary()
	if p := strings.TrimSpace(cfg.Game.Actions); p != "" {
		vocab, err = action.LoadVocabulary(p)
		if err != nil {
			logger.Fatalf("load actions: %v", err)
		}
	}

	engine, closeEngine, err := openEngine(cfg.Game, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	defer closeEngine()

	holder, err := session.New(engine, session.Options{StepTimeout: cfg.Game.StepTimeout})
	if err != nil {
		logger.Fatalf("session: %v", err)
	}

	renderer, err := render.New(render.Options{FontPath: cfg.Render.FontPath})
	if err != nil {
		logger.Fatalf("renderer: %v", err)
	}
	if derr := renderer.Degraded(); derr != nil {
		logger.Printf("RenderDegraded: using fallback font: %v", derr)
	}

	uploader, err := openArchive(cfg, logger)
	if err != nil {
		logger.Fatalf("archive: %v", err)
	}
	// Closed after the turn log so its final file is still queued.
	defer uploader.Close()

	var turnSinks []service.TurnSink
	if cfg.Log.TurnLog {
		turnLog := persistlog.NewTurnLogger(cfg.DataDir)
		if uploader != nil {
			turnLog.OnSealed(uploader.Enqueue)
		}
		defer turnLog.Close()
		turnSinks = append(turnSinks, turnLog)
	}

	// Optional read-model index; the turn log stays the source of truth.
	idx, err := openRuntimeIndex(cfg, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		turnSinks = append(turnSinks, idx)
	}

	obsSrv := observer.NewServer(logger, observer.Options{
		LoopbackOnly: cfg.Observer.LoopbackOnly,
		QueueSize:    cfg.Observer.QueueSize,
	}, func() (uint64, int) {
		s := holder.Snapshot()
		return s.TurnCount, s.Episode
	})

	svc, err := service.New(service.Config{
		Holder:     holder,
		Vocabulary: vocab,
		Renderer:   renderer,
		GlyphSize:  cfg.Render.GlyphSize,
		Seed:       cfg.Game.Seed,
		Logger:     logger,
		TurnSinks:  turnSinks,
		FrameSinks: []service.FrameSink{obsSrv},
	})
	if err != nil {
		logger.Fatalf("service: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	embeddedMCP, err := startEmbeddedMCP(ctx, cfg.MCP, svc, logger)
	if err != nil {
		logger.Fatalf("embedded mcp: %v", err)
	}
	defer embeddedMCP.Close()

	apiOpts := httpapi.Options{
		Observe:   obsSrv.WSHandler(),
		Play:      ws.NewServer(svc, logger).Handler(),
		Observers: obsSrv.Observers,
		ExtraMetrics: func(w io.Writer) {
			writeObserverMetrics(w, obsSrv)
			idx.WriteMetrics(w)
			writeArchiveMetrics(w, uploader)
		},
		Logger: logger,
	}
	if idx != nil && idx.History != nil {
		apiOpts.History = idx.History
	}

	mux := http.NewServeMux()
	httpapi.New(svc, apiOpts).Register(mux)
	if envBool("SKYHACK_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (SKYHACK_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	sess := holder.Snapshot()
	logger.Printf("listening on %s engine=%s seed=%d episode=%d", ln.Addr(), cfg.Game.Engine, cfg.Game.Seed, sess.Episode)
	if err := serve(ctx, srv, ln, 5*time.Second); err != nil {
		logger.Fatalf("serve: %v", err)
	}
	logger.Printf("stopped after turn=%d", holder.Snapshot().TurnCount)
}

// serve runs srv on ln until ctx is done. It returns only after Shutdown has
// finished, so in-flight handlers are done before deferred closes run.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), grace)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	err := srv.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	<-shutdownDone
	return nil
}

func openEngine(cfg config.Game, logger *log.Logger) (oracle.Oracle, func(), error) {
	switch cfg.Engine {
	case "process":
		p, err := procoracle.Start(logger, cfg.EngineCmd[0], cfg.EngineCmd[1:]...)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("engine process: %s", strings.Join(cfg.EngineCmd, " "))
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Printf("engine close: %v", err)
			}
		}, nil
	case "dungeon":
		d := dungeon.New(dungeon.Config{
			Seed:      cfg.Seed,
			Levels:    cfg.Levels,
			MaxHunger: cfg.MaxHunger,
			GoldPiles: cfg.GoldPiles,
			HeroName:  cfg.HeroName,
		})
		return d, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

func writeObserverMetrics(w io.Writer, obs *observer.Server) {
	fmt.Fprintf(w, "# HELP skyhack_observer_dropped_total Frames dropped for slow observers.\n")
	fmt.Fprintf(w, "# TYPE skyhack_observer_dropped_total counter\n")
	fmt.Fprintf(w, "skyhack_observer_dropped_total %d\n", obs.Dropped())
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

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
