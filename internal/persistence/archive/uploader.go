package archive

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Putter stores one local file under an object key.
type Putter interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type UploaderOptions struct {
	// DataDir is stripped from local paths; the rest becomes the object key.
	DataDir string
	Prefix  string

	Workers     int
	QueueSize   int
	EnqueueWait time.Duration
	Attempts    int
	// Backoff is the base delay; attempt n waits n*n*Backoff.
	Backoff time.Duration

	Logger *log.Logger
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Enqueued      uint64
	Dropped       uint64
	Uploaded      uint64
	Failed        uint64
	LastSuccess   time.Time
}

// Uploader copies sealed files in the background. Enqueue never blocks a
// caller for longer than EnqueueWait; files that do not fit are dropped and
// stay on local disk.
type Uploader struct {
	put  Putter
	opts UploaderOptions

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
}

func NewUploader(put Putter, opts UploaderOptions) *Uploader {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	u := &Uploader{put: put, opts: opts, jobs: make(chan string, opts.QueueSize)}
	for i := 0; i < opts.Workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for p := range u.jobs {
				u.upload(p)
			}
		}()
	}
	return u
}

// Enqueue schedules localPath for upload.
func (u *Uploader) Enqueue(localPath string) {
	if u == nil {
		return
	}
	u.enqueued.Add(1)
	select {
	case u.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(u.opts.EnqueueWait)
	defer t.Stop()
	select {
	case u.jobs <- localPath:
	case <-t.C:
		n := u.dropped.Add(1)
		u.printf("archive drop %s: queue full (dropped_total=%d)", localPath, n)
	}
}

// Close drains the queue and waits for in-flight uploads.
func (u *Uploader) Close() {
	if u == nil {
		return
	}
	u.once.Do(func() {
		close(u.jobs)
		u.wg.Wait()
	})
}

func (u *Uploader) Stats() Stats {
	if u == nil {
		return Stats{}
	}
	st := Stats{
		QueueDepth:    len(u.jobs),
		QueueCapacity: cap(u.jobs),
		Enqueued:      u.enqueued.Load(),
		Dropped:       u.dropped.Load(),
		Uploaded:      u.uploaded.Load(),
		Failed:        u.failed.Load(),
	}
	if ms := u.lastSuccess.Load(); ms > 0 {
		st.LastSuccess = time.UnixMilli(ms)
	}
	return st
}

func (u *Uploader) upload(localPath string) {
	key, err := u.objectKey(localPath)
	if err != nil {
		u.failed.Add(1)
		u.printf("archive skip %s: %v", localPath, err)
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = u.put.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			u.uploaded.Add(1)
			u.lastSuccess.Store(time.Now().UnixMilli())
			u.printf("archived %s as %s", localPath, key)
			return
		}
		if attempt >= u.opts.Attempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * u.opts.Backoff)
	}
	u.failed.Add(1)
	u.printf("archive %s failed after %d attempts: %v", key, u.opts.Attempts, err)
}

func (u *Uploader) objectKey(localPath string) (string, error) {
	base, err := filepath.Abs(u.opts.DataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("outside data dir %s", base)
	}
	if u.opts.Prefix != "" {
		rel = path.Join(u.opts.Prefix, rel)
	}
	return rel, nil
}

func (u *Uploader) printf(format string, args ...any) {
	if u.opts.Logger != nil {
		u.opts.Logger.Printf(format, args...)
	}
}
