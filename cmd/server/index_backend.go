package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"skyhack.ai/internal/config"
	"skyhack.ai/internal/persistence/indexdb"
	persistlog "skyhack.ai/internal/persistence/log"
	"skyhack.ai/internal/transport/httpapi"
)

// runtimeIndex is the optional turn index. History is nil for backends that
// cannot be queried locally.
type runtimeIndex struct {
	sink    interface{ WriteTurn(persistlog.TurnEntry) error }
	closer  io.Closer
	History httpapi.HistorySource
	metrics func(io.Writer)
}

func (r *runtimeIndex) WriteTurn(e persistlog.TurnEntry) error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.WriteTurn(e)
}

func (r *runtimeIndex) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *runtimeIndex) WriteMetrics(w io.Writer) {
	if r != nil && r.metrics != nil {
		r.metrics(w)
	}
}

func openRuntimeIndex(cfg config.Config, logger *log.Logger) (*runtimeIndex, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Index.Backend)) {
	case "none", "off", "disabled":
		return nil, nil
	case "", "sqlite":
		path := strings.TrimSpace(cfg.Index.Path)
		if path == "" {
			path = filepath.Join(cfg.DataDir, "index", "turns.sqlite")
		}
		idx, err := indexdb.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		logger.Printf("turn index sqlite=%s", path)
		return &runtimeIndex{
			sink:    idx,
			closer:  idx,
			History: idx,
			metrics: func(w io.Writer) { writeSQLiteIndexMetrics(w, idx.Stats()) },
		}, nil
	case "remote":
		host, _ := os.Hostname()
		idx, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      cfg.Index.RemoteURL,
			Token:         cfg.Index.RemoteToken,
			InstanceID:    fmt.Sprintf("%s-%d", host, os.Getpid()),
			BatchSize:     cfg.Index.BatchSize,
			FlushInterval: cfg.Index.FlushInterval,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Printf("turn index remote=%s", cfg.Index.RemoteURL)
		return &runtimeIndex{
			sink:    idx,
			closer:  idx,
			metrics: func(w io.Writer) { writeRemoteIndexMetrics(w, idx.Stats()) },
		}, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
}

func writeSQLiteIndexMetrics(w io.Writer, s indexdb.Stats) {
	fmt.Fprintf(w, "# HELP skyhack_index_queue_depth Turn index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_queue_depth gauge\n")
	fmt.Fprintf(w, "skyhack_index_queue_depth{backend=\"sqlite\"} %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP skyhack_index_queue_capacity Turn index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "skyhack_index_queue_capacity{backend=\"sqlite\"} %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP skyhack_index_dropped_total Turns not indexed because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_dropped_total counter\n")
	fmt.Fprintf(w, "skyhack_index_dropped_total{backend=\"sqlite\"} %d\n", s.DropTurnTotal)

	fmt.Fprintf(w, "# HELP skyhack_index_written_total Turns written to the index.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_written_total counter\n")
	fmt.Fprintf(w, "skyhack_index_written_total{backend=\"sqlite\"} %d\n", s.WrittenTotal)
}

func writeRemoteIndexMetrics(w io.Writer, s indexdb.RemoteStats) {
	fmt.Fprintf(w, "# HELP skyhack_index_queue_depth Turn index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_queue_depth gauge\n")
	fmt.Fprintf(w, "skyhack_index_queue_depth{backend=\"remote\"} %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP skyhack_index_queue_capacity Turn index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "skyhack_index_queue_capacity{backend=\"remote\"} %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP skyhack_index_dropped_total Turns not indexed because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_dropped_total counter\n")
	fmt.Fprintf(w, "skyhack_index_dropped_total{backend=\"remote\"} %d\n", s.QueueDroppedTotal)

	fmt.Fprintf(w, "# HELP skyhack_index_flush_fail_total Failed remote index batch flushes.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_flush_fail_total counter\n")
	fmt.Fprintf(w, "skyhack_index_flush_fail_total %d\n", s.FlushFailTotal)

	fmt.Fprintf(w, "# HELP skyhack_index_written_total Turns written to the index.\n")
	fmt.Fprintf(w, "# TYPE skyhack_index_written_total counter\n")
	fmt.Fprintf(w, "skyhack_index_written_total{backend=\"remote\"} %d\n", s.SentTotal)
}
