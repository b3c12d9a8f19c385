// Package recorder durably records a reading stream as rotating,
// checksummed CSV chunks and combines them into one file when the session
// stops.
//
// Readings are only queued by AddReading. All file I/O happens on the
// session's flush ticker, so acquisition never waits on the disk. A chunk is
// written under a temporary name and only appears under its final name,
// with its checksum in the manifest, once it is finalized.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lightlog/internal/frame"
	"github.com/banshee-data/lightlog/internal/fsutil"
	"github.com/banshee-data/lightlog/internal/security"
	"github.com/banshee-data/lightlog/internal/timeutil"
)

const (
	DefaultFlushInterval    = 500 * time.Millisecond
	DefaultTargetChunkBytes = 4 << 20
	DefaultRollInterval     = time.Minute

	ChunkExt     = ".csv"
	PartExt      = ".csv.part"
	CombinedName = "session.csv"
	abandonedExt = ".abandoned"
)

var (
	// ErrRecorderIO is a transient write failure. Queued rows are kept and
	// the write is retried on the next tick.
	ErrRecorderIO = errors.New("recorder I/O failure")
	// ErrFinalization means a chunk could not be finalized or the combined
	// output could not be verified.
	ErrFinalization = errors.New("chunk finalization failure")
	// ErrUnknownSession means no active or completed session has the id.
	ErrUnknownSession = errors.New("unknown recording session")
	// ErrSessionClosed means the session is stopping and takes no readings.
	ErrSessionClosed = errors.New("recording session is stopping")
)

// Options configures a Recorder.
type Options struct {
	FS               fsutil.FileSystem
	Clock            timeutil.Clock
	FlushInterval    time.Duration
	TargetChunkBytes int64
	// RetainChunks keeps the chunk files after they are combined.
	RetainChunks bool
	// NewID generates session ids. Defaults to a timestamp plus a random
	// suffix.
	NewID func(now time.Time) string
}

// StartParams describes a new recording session.
type StartParams struct {
	SensorID     string
	Mission      string
	RateHz       float64
	RollInterval time.Duration
	Root         string
	// Prefix, when set, places the session directly at Root/<Prefix><id>
	// for callers that have already created a mission directory. Otherwise
	// the session lives at Root/<mission>/<id>.
	Prefix string
}

// Session describes a recording session.
type Session struct {
	ID            string          `json:"session_id"`
	Dir           string          `json:"dir"`
	SensorID      string          `json:"sensor_id"`
	Mission       string          `json:"mission"`
	RateHz        float64         `json:"rate_hz"`
	RollIntervalS float64         `json:"roll_interval_s"`
	StartedAt     time.Time       `json:"started_at"`
	StoppedAt     *time.Time      `json:"stopped_at,omitempty"`
	TotalRows     int             `json:"total_rows"`
	Chunks        []ChunkMetadata `json:"chunks"`
}

// Stats is a liveness snapshot. It is not authoritative until StopSession
// completes.
type Stats struct {
	SessionID     string `json:"session_id"`
	RowsWritten   int64  `json:"rows_written"`
	FinalizedRows int64  `json:"finalized_rows"`
	Queued        int    `json:"queued"`
	BytesFlushed  int64  `json:"bytes_flushed"`
	Chunks        int64  `json:"chunks"`
	Abandoned     int64  `json:"abandoned"`
	Stopped       bool   `json:"stopped"`
	LastError     string `json:"last_error,omitempty"`
}

// StopResult is returned by StopSession. A repeated stop returns the same
// result.
type StopResult struct {
	SessionID    string    `json:"session_id"`
	Dir          string    `json:"dir"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	TotalRows    int       `json:"rows"`
	Chunks       int       `json:"chunks"`
	Abandoned    int       `json:"abandoned"`
	CombinedPath string    `json:"combined_path"`
	ManifestPath string    `json:"manifest_path"`
}

// Recorder owns the registry of active sessions.
type Recorder struct {
	opts  Options
	fs    fsutil.FileSystem
	clock timeutil.Clock

	mu        sync.Mutex
	sessions  map[string]*session
	completed map[string]StopResult
}

// New returns a Recorder.
func New(opts Options) *Recorder {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.TargetChunkBytes <= 0 {
		opts.TargetChunkBytes = DefaultTargetChunkBytes
	}
	if opts.NewID == nil {
		opts.NewID = defaultID
	}
	return &Recorder{
		opts:      opts,
		fs:        opts.FS,
		clock:     opts.Clock,
		sessions:  make(map[string]*session),
		completed: make(map[string]StopResult),
	}
}

func defaultID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

type chunkFile struct {
	index     int
	base      string
	opened    time.Time
	size      int64
	rows      int
	dirtyTail bool
}

type session struct {
	rec  *Recorder
	dir  string
	roll time.Duration
	info Session

	mu     sync.Mutex
	queue  []frame.Reading
	closed bool

	// flushMu serialises ticks, explicit flushes and stop. The fields below
	// it are only touched with it held.
	flushMu       sync.Mutex
	manifest      Manifest
	current       *chunkFile
	finalizing    *chunkFile
	manifestDirty bool
	result        *StopResult

	rowsWritten   atomic.Int64
	finalizedRows atomic.Int64
	bytesFlushed  atomic.Int64
	chunks        atomic.Int64
	abandoned     atomic.Int64
	lastErr       atomic.Value

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// StartSession creates the session directory and initial manifest and starts
// the session's flush ticker.
func (r *Recorder) StartSession(p StartParams) (Session, error) {
	if p.Root == "" {
		return Session{}, fmt.Errorf("%w: empty root directory", ErrRecorderIO)
	}
	if p.RollInterval <= 0 {
		p.RollInterval = DefaultRollInterval
	}

	now := r.clock.Now()
	id := r.opts.NewID(now)
	dir := filepath.Join(p.Root, security.SanitizeFilename(p.Mission), id)
	if p.Prefix != "" {
		dir = filepath.Join(p.Root, p.Prefix+id)
	}

	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return Session{}, fmt.Errorf("%w: create %s: %v", ErrRecorderIO, dir, err)
	}

	s := &session{
		rec:  r,
		dir:  dir,
		roll: p.RollInterval,
		info: Session{
			ID:            id,
			Dir:           dir,
			SensorID:      p.SensorID,
			Mission:       p.Mission,
			RateHz:        p.RateHz,
			RollIntervalS: p.RollInterval.Seconds(),
			StartedAt:     now,
		},
		manifest: Manifest{
			SessionID:     id,
			SensorID:      p.SensorID,
			Mission:       p.Mission,
			RateHz:        p.RateHz,
			RollIntervalS: p.RollInterval.Seconds(),
			StartedAt:     now,
			SchemaVersion: SchemaVersion,
			Chunks:        []ChunkMetadata{},
		},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := writeManifest(r.fs, dir, &s.manifest); err != nil {
		r.fs.RemoveAll(dir)
		return Session{}, fmt.Errorf("%w: %v", ErrRecorderIO, err)
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	ticker := r.clock.NewTicker(r.opts.FlushInterval)
	go s.run(ticker)

	diagf("session %s started in %s (roll %s)", id, dir, p.RollInterval)
	return s.info, nil
}

func (s *session) run(ticker timeutil.Ticker) {
	defer close(s.done)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C():
			s.flushMu.Lock()
			if err := s.flush(now, false); err != nil {
				s.lastErr.Store(err.Error())
			}
			s.flushMu.Unlock()
		}
	}
}

func (r *Recorder) lookup(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// AddReading queues a reading. It never performs I/O.
func (r *Recorder) AddReading(id string, reading frame.Reading) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	s.queue = append(s.queue, reading)
	return nil
}

// Flush runs one flush tick immediately.
func (r *Recorder) Flush(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.result != nil {
		return nil
	}
	return s.flush(r.clock.Now(), false)
}

// flush appends queued rows to the open chunk, finalizes it when it is old or
// large enough (or final is set), and persists the manifest if it changed.
func (s *session) flush(now time.Time, final bool) error {
	var errs []error

	if c := s.finalizing; c != nil {
		if err := s.finalize(c, now, true); err != nil {
			errs = append(errs, err)
		}
	}

	writeErr := s.writeQueued(now)
	if writeErr != nil {
		errs = append(errs, writeErr)
	}

	if c := s.current; c != nil && c.rows > 0 && writeErr == nil {
		due := final || now.Sub(c.opened) >= s.roll || c.size >= s.rec.opts.TargetChunkBytes
		if due {
			s.current = nil
			err := s.finalize(c, now, false)
			if err != nil && final {
				// no later tick will retry
				err = s.finalize(c, now, true)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s.manifestDirty {
		if err := writeManifest(s.rec.fs, s.dir, &s.manifest); err != nil {
			opsf("session %s: manifest write failed, will retry: %v", s.info.ID, err)
			errs = append(errs, fmt.Errorf("%w: %v", ErrRecorderIO, err))
		} else {
			s.manifestDirty = false
		}
	}
	return errors.Join(errs...)
}

func (s *session) partPath(c *chunkFile) string  { return filepath.Join(s.dir, c.base+PartExt) }
func (s *session) finalPath(c *chunkFile) string { return filepath.Join(s.dir, c.base+ChunkExt) }

// writeQueued appends the queue to the open chunk. On failure the file is cut
// back to its last good size and the rows go back on the front of the queue.
func (s *session) writeQueued(now time.Time) error {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	requeue := func() {
		s.mu.Lock()
		s.queue = append(batch, s.queue...)
		s.mu.Unlock()
	}

	data, err := encodeRows(batch)
	if err != nil {
		requeue()
		return fmt.Errorf("%w: encode rows: %v", ErrRecorderIO, err)
	}

	if s.current == nil {
		idx := s.manifest.NextChunkIndex
		s.manifest.NextChunkIndex++
		s.manifestDirty = true
		s.current = &chunkFile{index: idx, base: fmt.Sprintf("chunk_%05d", idx), opened: now}
	}
	c := s.current
	part := s.partPath(c)

	if c.dirtyTail {
		if err := s.rec.fs.Truncate(part, c.size); err != nil {
			requeue()
			return fmt.Errorf("%w: truncate %s: %v", ErrRecorderIO, part, err)
		}
		c.dirtyTail = false
	}

	if c.size == 0 {
		data = append([]byte(Header+"\n"), data...)
	}
	n, err := s.rec.fs.AppendFile(part, data)
	if err != nil {
		if n > 0 {
			c.dirtyTail = true
			if terr := s.rec.fs.Truncate(part, c.size); terr == nil {
				c.dirtyTail = false
			}
		}
		requeue()
		opsf("session %s: append to %s failed, %d rows requeued: %v", s.info.ID, part, len(batch), err)
		return fmt.Errorf("%w: append %s: %v", ErrRecorderIO, part, err)
	}

	c.size += int64(n)
	c.rows += len(batch)
	s.rowsWritten.Add(int64(len(batch)))
	s.bytesFlushed.Add(int64(n))
	tracef("session %s: %d rows (%d bytes) to %s", s.info.ID, len(batch), n, c.base)
	return nil
}

// finalize renames c to its final name and records it in the manifest. A
// failed rename is retried once; on the second failure (lastChance) the
// chunk is abandoned in place.
func (s *session) finalize(c *chunkFile, now time.Time, lastChance bool) error {
	fsys := s.rec.fs
	part, final := s.partPath(c), s.finalPath(c)

	if err := fsys.Rename(part, final); err != nil {
		if !lastChance {
			s.finalizing = c
			opsf("session %s: finalizing %s failed, will retry once: %v", s.info.ID, c.base, err)
			return fmt.Errorf("%w: rename %s: %v", ErrFinalization, part, err)
		}
		s.finalizing = nil
		s.abandon(c, c.base+PartExt, now, err)
		return fmt.Errorf("%w: %s abandoned: %v", ErrFinalization, c.base, err)
	}
	s.finalizing = nil

	data, err := fsys.ReadFile(final)
	if err != nil {
		s.abandon(c, c.base+ChunkExt, now, err)
		return fmt.Errorf("%w: read %s: %v", ErrFinalization, final, err)
	}

	s.manifest.appendChunk(ChunkMetadata{
		Index:     c.index,
		Name:      c.base + ChunkExt,
		Rows:      c.rows,
		Checksum:  Checksum(data),
		SizeBytes: int64(len(data)),
		Timestamp: now,
	})
	s.manifestDirty = true
	s.finalizedRows.Add(int64(c.rows))
	s.chunks.Add(1)
	diagf("session %s: finalized %s (%d rows, %d bytes)", s.info.ID, c.base, c.rows, len(data))
	return nil
}

// abandon flags a chunk for manual recovery. The file stays where it is.
func (s *session) abandon(c *chunkFile, name string, now time.Time, cause error) {
	marker := filepath.Join(s.dir, name+abandonedExt)
	reason := cause.Error()
	if err := s.rec.fs.WriteFile(marker, []byte(reason+"\n"), 0o644); err != nil {
		opsf("session %s: writing %s failed: %v", s.info.ID, marker, err)
	}
	s.manifest.AbandonedChunks = append(s.manifest.AbandonedChunks, AbandonedChunk{
		Index:     c.index,
		Name:      name,
		Rows:      c.rows,
		Reason:    reason,
		Timestamp: now,
	})
	s.manifestDirty = true
	s.abandoned.Add(1)
	opsf("session %s: chunk %s abandoned with %d rows: %v", s.info.ID, name, c.rows, cause)
}

// StopSession stops the flush ticker, flushes and finalizes everything still
// pending, combines the chunks into one verified file and removes the
// session from the registry. If the final flush or the combine step fails
// the session stays registered and StopSession may be called again.
func (r *Recorder) StopSession(id string) (StopResult, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		res, done := r.completed[id]
		r.mu.Unlock()
		if done {
			return res, nil
		}
		return StopResult{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	r.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.result != nil {
		return *s.result, nil
	}

	now := r.clock.Now()
	if err := s.flush(now, true); err != nil {
		s.lastErr.Store(err.Error())
		if errors.Is(err, ErrRecorderIO) {
			return StopResult{}, err
		}
		// abandoned chunks are flagged in the manifest; the session goes on
	}
	if s.current != nil || s.finalizing != nil {
		return StopResult{}, fmt.Errorf("%w: session %s has unfinalized data", ErrRecorderIO, id)
	}

	combined, err := s.combine()
	if err != nil {
		s.lastErr.Store(err.Error())
		opsf("session %s: combine failed, chunks kept: %v", id, err)
		return StopResult{}, err
	}

	s.manifest.StoppedAt = &now
	s.manifest.Combined = combined
	if err := writeManifest(r.fs, s.dir, &s.manifest); err != nil {
		return StopResult{}, fmt.Errorf("%w: %v", ErrRecorderIO, err)
	}
	s.manifestDirty = false

	if !r.opts.RetainChunks {
		for _, c := range s.manifest.Chunks {
			if err := r.fs.Remove(filepath.Join(s.dir, c.Name)); err != nil {
				opsf("session %s: removing %s: %v", id, c.Name, err)
			}
		}
	}

	res := StopResult{
		SessionID:    id,
		Dir:          s.dir,
		StartedAt:    s.info.StartedAt,
		StoppedAt:    now,
		TotalRows:    s.manifest.TotalRows,
		Chunks:       len(s.manifest.Chunks),
		Abandoned:    len(s.manifest.AbandonedChunks),
		CombinedPath: filepath.Join(s.dir, CombinedName),
		ManifestPath: filepath.Join(s.dir, ManifestName),
	}
	s.result = &res
	s.info.StoppedAt = &now

	r.mu.Lock()
	delete(r.sessions, id)
	r.completed[id] = res
	r.mu.Unlock()

	diagf("session %s stopped: %d rows in %d chunks", id, res.TotalRows, res.Chunks)
	return res, nil
}

// Abort stops the session's flush ticker and drops it from the registry
// without flushing or combining. Queued readings are discarded. It is for a
// session whose directory has already been removed.
func (r *Recorder) Abort(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done

	s.mu.Lock()
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	opsf("session %s aborted, %d queued readings dropped", id, dropped)
	return nil
}

// combine concatenates the finalized chunks under a single header, checking
// each chunk's checksum and row count on the way.
func (s *session) combine() (*CombinedFile, error) {
	fsys := s.rec.fs
	final := filepath.Join(s.dir, CombinedName)
	tmp := final + ".part"

	w, err := fsys.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrRecorderIO, tmp, err)
	}
	h := newHasher()
	out := &countingWriter{w: io.MultiWriter(w, h)}

	fail := func(err error) (*CombinedFile, error) {
		w.Close()
		fsys.Remove(tmp)
		return nil, err
	}

	if _, err := io.WriteString(out, Header+"\n"); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRecorderIO, err))
	}
	rows := 0
	for _, c := range s.manifest.Chunks {
		data, err := fsys.ReadFile(filepath.Join(s.dir, c.Name))
		if err != nil {
			return fail(fmt.Errorf("%w: read %s: %v", ErrFinalization, c.Name, err))
		}
		if err := VerifyChecksum(data, c.Checksum); err != nil {
			return fail(fmt.Errorf("%s: %w", c.Name, err))
		}
		body, n, err := splitChunk(data)
		if err != nil {
			return fail(fmt.Errorf("%w: %s: %v", ErrFinalization, c.Name, err))
		}
		if n != c.Rows {
			return fail(fmt.Errorf("%w: %s holds %d rows, manifest says %d", ErrFinalization, c.Name, n, c.Rows))
		}
		if _, err := out.Write(body); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrRecorderIO, err))
		}
		rows += n
	}
	if rows != s.manifest.TotalRows {
		return fail(fmt.Errorf("%w: combined %d rows, manifest total_rows %d", ErrFinalization, rows, s.manifest.TotalRows))
	}
	if err := w.Close(); err != nil {
		fsys.Remove(tmp)
		return nil, fmt.Errorf("%w: close %s: %v", ErrRecorderIO, tmp, err)
	}
	if err := fsys.Rename(tmp, final); err != nil {
		fsys.Remove(tmp)
		return nil, fmt.Errorf("%w: rename %s: %v", ErrFinalization, tmp, err)
	}
	return &CombinedFile{
		Name:      CombinedName,
		Rows:      rows,
		Checksum:  sumString(h),
		SizeBytes: out.n,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Stats returns a liveness snapshot for an active or completed session.
func (r *Recorder) Stats(id string) (Stats, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	res, done := r.completed[id]
	r.mu.Unlock()

	if !ok {
		if !done {
			return Stats{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
		}
		return Stats{
			SessionID:     id,
			RowsWritten:   int64(res.TotalRows),
			FinalizedRows: int64(res.TotalRows),
			Chunks:        int64(res.Chunks),
			Abandoned:     int64(res.Abandoned),
			Stopped:       true,
		}, nil
	}

	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	st := Stats{
		SessionID:     id,
		RowsWritten:   s.rowsWritten.Load(),
		FinalizedRows: s.finalizedRows.Load(),
		Queued:        queued,
		BytesFlushed:  s.bytesFlushed.Load(),
		Chunks:        s.chunks.Load(),
		Abandoned:     s.abandoned.Load(),
	}
	if v, ok := s.lastErr.Load().(string); ok {
		st.LastError = v
	}
	return st, nil
}

// Session returns the description of an active session.
func (r *Recorder) Session(id string) (Session, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	info := s.info
	info.TotalRows = s.manifest.TotalRows
	info.Chunks = append([]ChunkMetadata(nil), s.manifest.Chunks...)
	return info, nil
}

// Active returns the ids of the sessions currently recording, sorted.
func (r *Recorder) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every active session, for shutdown.
func (r *Recorder) StopAll() error {
	var errs []error
	for _, id := range r.Active() {
		if _, err := r.StopSession(id); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
