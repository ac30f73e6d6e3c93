package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFile is an append-only writer for <dir>/<prefix>-YYYYMMDD.log that
// switches files when the local date changes.
type DailyFile struct {
	dir    string
	prefix string
	now    func() time.Time

	mu     sync.Mutex
	curDay string
	f      *os.File
}

// OpenProcessLog opens today's process log under <dataDir>/logs.
func OpenProcessLog(dataDir, prefix string) (*DailyFile, error) {
	d := &DailyFile{dir: filepath.Join(dataDir, "logs"), prefix: prefix, now: time.Now}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.rotateLocked(d.now().Format("20060102")); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	day := d.now().Format("20060102")
	if day != d.curDay {
		if err := d.rotateLocked(day); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

// Path is the file currently written to.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pathFor(d.curDay)
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	d.curDay = ""
	return err
}

func (d *DailyFile) rotateLocked(day string) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(d.pathFor(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.f = f
	d.curDay = day
	return nil
}

func (d *DailyFile) pathFor(day string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, day))
}
