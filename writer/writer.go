// Package writer implements the asynchronous per-host output sink: a
// single background goroutine owns every output file so the scheduler's
// event loop never blocks on disk I/O.
//
// Grounded on psshlib/output.py's Writer thread (a daemon thread draining
// a Queue of (filename, payload) items), translated so the thread-safe
// queue is a buffered Go channel.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/canonical/pssh/shared/api"
	"github.com/canonical/pssh/shared/logger"
)

// payloadKind tags a writer request.
type payloadKind int

const (
	kindOpen payloadKind = iota
	kindData
	kindEOF
	kindAbort
	kindExport
)

type request struct {
	kind     payloadKind
	filename string
	data     []byte
	record   *api.TaskRecord
}

// Sink receives a copy of every task record as it finishes, so runs can be
// exported to SQLite, JSON-lines, or any other downstream store without
// blocking the scheduler's event loop. Implementations must not block for
// long: they run on the Writer's own goroutine.
type Sink interface {
	ExportDone(*api.TaskRecord) error
	Close() error
}

// Writer serializes appends to per-host stdout/stderr files from a
// dedicated goroutine, and fans finished task records out to any
// registered export Sinks.
type Writer struct {
	outdir, errdir string
	queue          chan request
	done           chan struct{}

	mu         sync.Mutex
	hostCounts map[string]int

	sinks []Sink
}

// New creates a Writer. If both outdir and errdir are empty, OpenFiles
// will not enqueue anything and Write/Close become no-ops for files, but
// export sinks (if any) still receive finished records.
func New(outdir, errdir string, sinks ...Sink) *Writer {
	return &Writer{
		outdir:     outdir,
		errdir:     errdir,
		queue:      make(chan request, 256),
		done:       make(chan struct{}),
		hostCounts: make(map[string]int),
		sinks:      sinks,
	}
}

// Start launches the background goroutine. Must be called before any
// other method.
func (w *Writer) Start() {
	go w.run()
}

func (w *Writer) run() {
	defer close(w.done)

	files := make(map[string]*os.File)
	for req := range w.queue {
		switch req.kind {
		case kindAbort:
			for _, f := range files {
				_ = f.Close()
			}

			return
		case kindOpen:
			f, err := os.OpenFile(req.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				logger.Error("Failed opening output file", logger.Ctx{"file": req.filename, "err": err})
				continue
			}

			unix.CloseOnExec(int(f.Fd()))
			files[req.filename] = f
		case kindData:
			f, ok := files[req.filename]
			if !ok {
				continue
			}

			if _, err := f.Write(req.data); err != nil {
				logger.Error("Failed writing output file", logger.Ctx{"file": req.filename, "err": err})
			}
		case kindEOF:
			f, ok := files[req.filename]
			if !ok {
				continue
			}

			_ = f.Close()
			delete(files, req.filename)
		case kindExport:
			for _, s := range w.sinks {
				if err := s.ExportDone(req.record); err != nil {
					logger.Error("Export sink failed", logger.Ctx{"err": err})
				}
			}
		}
	}
}

// OpenFiles computes the deterministic (outfile, errfile) pair for host
// per spec.md §4.2: the first task for a host uses the bare host label,
// the k-th (k>=1) uses "host.k". Either is empty if the corresponding
// directory was not configured. The returned strings double as opaque
// handles for Write/Close.
func (w *Writer) OpenFiles(host string) (outfile, errfile string) {
	if w.outdir == "" && w.errdir == "" {
		return "", ""
	}

	w.mu.Lock()
	count := w.hostCounts[host]
	w.hostCounts[host] = count + 1
	w.mu.Unlock()

	name := host
	if count > 0 {
		name = fmt.Sprintf("%s.%d", host, count)
	}

	if w.outdir != "" {
		outfile = filepath.Join(w.outdir, name)
		w.queue <- request{kind: kindOpen, filename: outfile}
	}

	if w.errdir != "" {
		errfile = filepath.Join(w.errdir, name)
		w.queue <- request{kind: kindOpen, filename: errfile}
	}

	return outfile, errfile
}

// Write enqueues an append to filename. No-op if filename is empty.
func (w *Writer) Write(filename string, data []byte) {
	if filename == "" {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	w.queue <- request{kind: kindData, filename: filename, data: buf}
}

// Close enqueues EOF for filename. No-op if filename is empty.
func (w *Writer) Close(filename string) {
	if filename == "" {
		return
	}

	w.queue <- request{kind: kindEOF, filename: filename}
}

// ExportDone enqueues a finished task record for delivery to every
// registered Sink, from the caller's goroutine, without blocking on sink
// I/O.
func (w *Writer) ExportDone(rec *api.TaskRecord) {
	if len(w.sinks) == 0 {
		return
	}

	w.queue <- request{kind: kindExport, record: rec}
}

// SignalQuit enqueues the abort sentinel. The background goroutine drains
// everything enqueued before this call, closes all open files, and exits.
func (w *Writer) SignalQuit() {
	w.queue <- request{kind: kindAbort}
}

// Wait blocks until the background goroutine has exited (i.e. until the
// abort item has been processed).
func (w *Writer) Wait() {
	<-w.done

	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			logger.Error("Failed closing export sink", logger.Ctx{"err": err})
		}
	}
}
