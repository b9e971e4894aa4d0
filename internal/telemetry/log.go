package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"routekern/internal/event"
)

// ErrStoreUnavailable is returned when the underlying storage keeps failing
// after bounded retries.
var ErrStoreUnavailable = errors.New("telemetry store unavailable")

const (
	logFilePrefix = "events-"
	logFileSuffix = ".jsonl"

	// groupCommitMax bounds how many pending appends are flushed under a
	// single fsync.
	groupCommitMax = 64

	appendRetries    = 3
	appendBackoffMin = 25 * time.Millisecond
)

// Log is the append-only event log: one JSON record per line, partitioned
// into one file per UTC day. All writes funnel through a single writer
// goroutine with group commit; Append returns only after its record is
// durable. Readers never block the writer.
type Log struct {
	dir string

	mu      sync.Mutex // guards close state
	seq     uint64     // owned by the writer goroutine after OpenLog
	closed  bool
	writeCh chan *appendReq
	done    chan struct{}

	file    *os.File
	fileDay string
}

type appendReq struct {
	env    event.Envelope
	result chan appendResult
}

type appendResult struct {
	env event.Envelope
	err error
}

// OpenLog opens (or creates) the event log under dir and recovers the last
// sequence number from the newest partition.
func OpenLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create log dir: %v", ErrStoreUnavailable, err)
	}

	l := &Log{
		dir:     dir,
		writeCh: make(chan *appendReq, groupCommitMax),
		done:    make(chan struct{}),
	}
	seq, err := l.recoverSeq()
	if err != nil {
		return nil, err
	}
	l.seq = seq

	go l.writeLoop()
	return l, nil
}

// Append writes the record and returns the stamped envelope once it is
// durable on disk. The writer goroutine assigns the sequence number, so
// records always land in the partition in seq order. Transient write
// failures are retried with bounded exponential backoff inside the writer;
// exhaustion surfaces as ErrStoreUnavailable.
func (l *Log) Append(ctx context.Context, env event.Envelope) (event.Envelope, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return event.Envelope{}, fmt.Errorf("%w: log closed", ErrStoreUnavailable)
	}
	l.mu.Unlock()

	if env.TS.IsZero() {
		env.TS = time.Now().UTC()
	}

	req := &appendReq{env: env, result: make(chan appendResult, 1)}
	select {
	case l.writeCh <- req:
	case <-ctx.Done():
		return event.Envelope{}, ctx.Err()
	}

	select {
	case res := <-req.result:
		return res.env, res.err
	case <-ctx.Done():
		return event.Envelope{}, ctx.Err()
	}
}

// Replay streams every record in sequence order through fn. A torn trailing
// line (crash mid-write) is skipped. fn returning an error stops the replay.
func (l *Log) Replay(fn func(event.Envelope) error) error {
	files, err := l.partitionFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := replayFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending appends and closes the current partition.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.writeCh)
	<-l.done
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// --- writer ---

// writeLoop is the single writer: it drains bursts of pending requests,
// writes them as one batch, and fsyncs once per batch (group commit).
func (l *Log) writeLoop() {
	defer close(l.done)

	for req := range l.writeCh {
		batch := []*appendReq{req}
	drain:
		for len(batch) < groupCommitMax {
			select {
			case next, ok := <-l.writeCh:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		l.commitBatch(batch)
	}
}

func (l *Log) commitBatch(batch []*appendReq) {
	// Stamp once, before the retry loop, so a retried batch keeps its
	// sequence numbers.
	for _, req := range batch {
		l.seq++
		req.env.Seq = l.seq
	}

	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		if err = l.writeBatch(batch); err == nil {
			break
		}
		log.Printf("[TelemetryLog] batch write attempt %d failed: %v", attempt+1, err)
		time.Sleep(appendBackoffMin << attempt)
	}

	for _, req := range batch {
		if err != nil {
			req.result <- appendResult{err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)}
		} else {
			req.result <- appendResult{env: req.env}
		}
	}
}

func (l *Log) writeBatch(batch []*appendReq) error {
	for _, req := range batch {
		f, err := l.partitionFor(req.env.TS)
		if err != nil {
			return err
		}
		line, err := json.Marshal(req.env)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		line = append(line, '\n')
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("sync log: %w", err)
		}
	}
	return nil
}

// partitionFor returns the open file for the record's UTC day, rolling to a
// new partition at day boundaries.
func (l *Log) partitionFor(ts time.Time) (*os.File, error) {
	day := ts.UTC().Format("2006-01-02")
	if l.file != nil && l.fileDay == day {
		return l.file, nil
	}
	if l.file != nil {
		// Roll-over: make the outgoing partition durable before moving on.
		l.file.Sync()
		l.file.Close()
		l.file = nil
	}

	path := filepath.Join(l.dir, logFilePrefix+day+logFileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}
	l.file = f
	l.fileDay = day
	return f, nil
}

// --- recovery / replay ---

func (l *Log) partitionFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list log dir: %v", ErrStoreUnavailable, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, logFilePrefix) && strings.HasSuffix(name, logFileSuffix) {
			files = append(files, filepath.Join(l.dir, name))
		}
	}
	sort.Strings(files) // date-named, so lexical order is chronological
	return files, nil
}

func (l *Log) recoverSeq() (uint64, error) {
	var max uint64
	err := l.Replay(func(env event.Envelope) error {
		if env.Seq > max {
			max = env.Seq
		}
		return nil
	})
	return max, err
}

func replayFile(path string, fn func(event.Envelope) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open partition: %v", ErrStoreUnavailable, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env event.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			// Torn write from a crash: the record never became durable, so
			// it is not part of the log.
			log.Printf("[TelemetryLog] skipping malformed record in %s: %v", filepath.Base(path), err)
			continue
		}
		if err := fn(env); err != nil {
			return err
		}
	}
	return scanner.Err()
}
