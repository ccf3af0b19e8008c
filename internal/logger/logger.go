package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ladder_trading/internal/config"
)

// DailyRotator implements io.Writer and rolls the log file over when the
// New York calendar date changes, regardless of the host clock's zone.
// Files land in <baseDir>/<YYYY>/<MM>/<name>-<YYYY-MM-DD>.log so a month of
// worker logs stays browsable.
type DailyRotator struct {
	BaseDir string
	Name    string

	mu          sync.Mutex
	file        *os.File
	currentDate string
	now         func() time.Time // overridable in tests
}

// Setup initializes the standard logger to write to both stdout and a
// per-day rotating file.
func Setup(baseDir, name string) {
	rotator := &DailyRotator{BaseDir: baseDir, Name: name}
	if err := rotator.open(); err != nil {
		log.Printf("Failed to open log file, using stdout only: %v", err)
		return
	}

	mw := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(mw)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func (r *DailyRotator) timeNow() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// nyDate returns today's date string in the exchange timezone.
func (r *DailyRotator) nyDate() string {
	return r.timeNow().In(config.NewYork).Format("2006-01-02")
}

// path builds the file path for the given date.
func (r *DailyRotator) path(date string) string {
	t, _ := time.Parse("2006-01-02", date)
	dir := filepath.Join(r.BaseDir, t.Format("2006"), t.Format("01"))
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", r.Name, date))
}

func (r *DailyRotator) open() error {
	date := r.nyDate()
	p := r.path(date)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.currentDate = date
	return nil
}

// Write satisfies io.Writer. It checks the date and rotates if needed.
func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	if date := r.nyDate(); date != r.currentDate {
		if err := r.rotate(); err != nil {
			// Keep writing to the old file rather than losing lines.
			fmt.Fprintf(os.Stderr, "Log rotation failed: %v\n", err)
		}
	}

	return r.file.Write(p)
}

// rotate closes the current file and opens the one for today's NY date.
func (r *DailyRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	return r.open()
}

// Close releases the underlying file.
func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
