package instrument

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lightlog/internal/frame"
	"github.com/banshee-data/lightlog/internal/serialmux"
	"github.com/banshee-data/lightlog/internal/timeutil"
)

// Controller defaults.
const (
	DefaultPromptTimeout = 2 * time.Second
	DefaultReadingBuffer = 1024
	DefaultEventBuffer   = 64
	DefaultTag           = "A"
	MinPollHz            = 0.1
	MaxPollHz            = 10.0
)

// Options configures a Controller. Zero values take the defaults above.
type Options struct {
	// SensorID is stamped on every reading. When empty the instrument's
	// serial number is used.
	SensorID      string
	PromptTimeout time.Duration
	ReadingBuffer int
	EventBuffer   int
	// DefaultTag is the polled tag used when the instrument reports none.
	DefaultTag string
	LineBuffer int
	LineKeep   int
	Clock      timeutil.Clock
	// Open creates the transport. Defaults to serialmux.OpenPort.
	Open serialmux.Opener
}

// link is one open transport and the goroutines servicing it.
type link struct {
	port        string
	transport   serialmux.SerialMuxInterface
	subID       string
	cancel      context.CancelFunc
	lost        chan struct{}
	intentional atomic.Bool
	wg          sync.WaitGroup
}

// promptWaiter collects the lines answering one menu command, up to and
// including the prompt.
type promptWaiter struct {
	lines []string
	done  chan struct{}
}

// Controller owns exactly one transport at a time and drives the instrument
// through its states. All methods are safe for concurrent use; commands are
// serialised.
type Controller struct {
	opts  Options
	clock timeutil.Clock
	epoch time.Time

	readings chan frame.Reading
	events   chan Event

	// cmdMu serialises operations that exchange commands with the instrument.
	cmdMu sync.Mutex

	mu          sync.Mutex
	state       State
	resumeState State
	link        *link
	lb          *frame.LineBuffer
	waiter      *promptWaiter
	identity    Identity
	config      *frame.InstrumentConfig
	tag         string
	pollPending bool
	pollStop    chan struct{}
	lastReading time.Time

	nReadings  uint64
	nDropped   uint64
	nDiscarded uint64
	nInvalid   uint64
	nMissed    uint64
}

// NewController returns a disconnected controller.
func NewController(opts Options) *Controller {
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}
	if opts.ReadingBuffer <= 0 {
		opts.ReadingBuffer = DefaultReadingBuffer
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if !frame.ValidTag(opts.DefaultTag) {
		opts.DefaultTag = DefaultTag
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Open == nil {
		opts.Open = serialmux.OpenPort
	}
	return &Controller{
		opts:     opts,
		clock:    opts.Clock,
		epoch:    opts.Clock.Now(),
		readings: make(chan frame.Reading, opts.ReadingBuffer),
		events:   make(chan Event, opts.EventBuffer),
		lb:       frame.NewLineBuffer(opts.LineBuffer, opts.LineKeep),
	}
}

// Readings returns the bounded channel readings are delivered on. When the
// consumer falls behind, readings are dropped and counted rather than
// blocking ingestion. The channel is never closed.
func (c *Controller) Readings() <-chan frame.Reading { return c.readings }

// Events returns the bounded channel of asynchronous events.
func (c *Controller) Events() <-chan Event { return c.events }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the last configuration parsed from the instrument.
func (c *Controller) Config() (frame.InstrumentConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config == nil {
		return frame.InstrumentConfig{}, false
	}
	return *c.config, true
}

// Identity returns what the instrument reported on connect.
func (c *Controller) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SensorID is the identifier stamped on readings.
func (c *Controller) SensorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensorIDLocked()
}

func (c *Controller) sensorIDLocked() string {
	if c.opts.SensorID != "" {
		return c.opts.SensorID
	}
	return c.identity.SerialNumber
}

// Connect opens the transport, interrupts the instrument into its menu and
// reads its identity and configuration. On success the controller is in
// ConfigMenu.
func (c *Controller) Connect(port string, opts serialmux.PortOptions) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	transport, err := c.opts.Open(port, opts)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(Disconnected)
		c.mu.Unlock()
		return fmt.Errorf("open %s: %w", port, err)
	}

	l := c.attach(port, transport)

	lines, err := c.exchange(l, frame.CmdInterrupt)
	if err != nil {
		c.abandon(l)
		return err
	}

	banner := strings.Join(lines, "\n")
	cfg, ok := findConfig(lines)
	if !ok {
		if lines, err = c.exchange(l, frame.CmdShowConfig); err == nil {
			cfg, ok = findConfig(lines)
		}
		if err != nil || !ok {
			c.abandon(l)
			return fmt.Errorf("%w: no configuration in response to connect", ErrCommandTimeout)
		}
	}

	id := Identity{Port: port, Firmware: cfg.Firmware, SerialNumber: cfg.SerialNumber, Mode: cfg.Mode}
	if v, ok := frame.ExtractVersion(banner); ok && id.Firmware == "" {
		id.Firmware = v
	}
	if s, ok := frame.ExtractSerial(banner); ok && id.SerialNumber == "" {
		id.SerialNumber = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return fmt.Errorf("%w: during connect", ErrConnectionLost)
	}
	c.identity = id
	c.config = &cfg
	c.setStateLocked(ConfigMenu)
	diagf("connected to %s: firmware=%s serial=%s mode=%s", port, id.Firmware, id.SerialNumber, cfg.Mode)
	return nil
}

// SetAveraging sets the instrument's averaging count.
func (c *Controller) SetAveraging(n int) error {
	cmd, err := frame.BuildSetAveraging(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandRejected, err)
	}
	return c.configure(cmd, func(cfg frame.InstrumentConfig) bool { return cfg.Averaging == n })
}

// SetAdcRate sets the instrument's ADC sample rate.
func (c *Controller) SetAdcRate(n int) error {
	cmd, err := frame.BuildSetAdcRate(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandRejected, err)
	}
	return c.configure(cmd, func(cfg frame.InstrumentConfig) bool { return cfg.AdcRate == n })
}

// SetMode selects freerun or polled operation.
func (c *Controller) SetMode(m frame.Mode) error {
	cmd, err := frame.BuildSetMode(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandRejected, err)
	}
	return c.configure(cmd, func(cfg frame.InstrumentConfig) bool { return cfg.Mode == m })
}

func (c *Controller) configure(cmd string, took func(frame.InstrumentConfig) bool) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.configureLocked(cmd, took)
}

// configureLocked runs one configuration command. The caller holds cmdMu.
func (c *Controller) configureLocked(cmd string, took func(frame.InstrumentConfig) bool) error {
	l, err := c.requireState(ConfigMenu)
	if err != nil {
		return err
	}

	lines, err := c.exchange(l, cmd)
	if err != nil {
		return err
	}
	cfg, ok := findConfig(lines)
	if !ok {
		return fmt.Errorf("%w: %q: no configuration in response", ErrCommandRejected, strings.TrimSpace(cmd))
	}

	c.mu.Lock()
	c.config = &cfg
	c.identity.Mode = cfg.Mode
	c.mu.Unlock()

	if !took(cfg) {
		return fmt.Errorf("%w: %q did not take effect", ErrCommandRejected, strings.TrimSpace(cmd))
	}
	diagf("applied %q", strings.TrimSpace(cmd))
	return nil
}

// StartAcquisition leaves the menu and starts acquiring in mode. pollHz is
// clamped to [MinPollHz, MaxPollHz] and only used in polled mode.
func (c *Controller) StartAcquisition(mode frame.Mode, pollHz float64) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	l, err := c.requireState(ConfigMenu)
	if err != nil {
		return err
	}

	c.mu.Lock()
	current := c.config.Mode
	tag := c.config.Tag
	c.mu.Unlock()

	if current != mode {
		cmd, err := frame.BuildSetMode(mode)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCommandRejected, err)
		}
		if err := c.configureLocked(cmd, func(cfg frame.InstrumentConfig) bool { return cfg.Mode == mode }); err != nil {
			return err
		}
	}

	var cmd string
	next := AcqFreerun
	switch mode {
	case frame.ModeFreerun:
		cmd = frame.CmdExitMenu
	case frame.ModePolled:
		next = AcqPolled
		if !frame.ValidTag(tag) {
			tag = c.opts.DefaultTag
		}
		if cmd, err = frame.BuildPolledInit(tag); err != nil {
			return fmt.Errorf("%w: %v", ErrCommandRejected, err)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrCommandRejected, mode)
	}

	// the state changes before the command goes out so the first lines after
	// it are classified as readings
	c.mu.Lock()
	c.lb.Drain()
	c.tag = tag
	c.pollPending = false
	c.setStateLocked(next)
	c.mu.Unlock()

	if err := l.transport.SendCommand(cmd); err != nil {
		c.mu.Lock()
		if c.link == l {
			c.setStateLocked(ConfigMenu)
		}
		c.mu.Unlock()
		return fmt.Errorf("start acquisition: %w", err)
	}

	if mode == frame.ModePolled {
		c.startPolling(l, PollPeriod(pollHz), tag)
	}
	diagf("acquisition started: mode=%s tag=%s", mode, tag)
	return nil
}

// PollPeriod converts a poll rate to a timer period, clamping the rate to the
// supported range.
func PollPeriod(hz float64) time.Duration {
	if math.IsNaN(hz) || hz < MinPollHz {
		hz = MinPollHz
	}
	if hz > MaxPollHz {
		hz = MaxPollHz
	}
	return time.Duration(float64(time.Second) / hz)
}

func (c *Controller) startPolling(l *link, period time.Duration, tag string) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.pollStop = stop
	c.mu.Unlock()

	query, _ := frame.BuildQuery(tag)
	ticker := c.clock.NewTicker(period)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.lost:
				return
			case <-ticker.C():
				c.poll(l, query)
			}
		}
	}()
}

func (c *Controller) poll(l *link, query string) {
	c.mu.Lock()
	if c.state != AcqPolled || c.link != l {
		c.mu.Unlock()
		return
	}
	if c.pollPending {
		c.nMissed++
		c.emitLocked(Event{Kind: EventMissedPoll, Time: c.clock.Now()})
		tracef("poll for %s unanswered, re-issuing", c.tag)
	}
	c.pollPending = true
	c.mu.Unlock()

	if err := l.transport.SendCommand(query); err != nil {
		tracef("poll write failed: %v", err)
	}
}

func (c *Controller) stopPollingLocked() {
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

// Pause suspends reading delivery and polling without leaving acquisition.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AcqFreerun && c.state != AcqPolled {
		return fmt.Errorf("%w: pause while %s", ErrInvalidState, c.state)
	}
	c.resumeState = c.state
	c.setStateLocked(Paused)
	return nil
}

// Resume returns to the acquisition mode active before Pause.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, c.state)
	}
	c.pollPending = false
	c.setStateLocked(c.resumeState)
	return nil
}

// Stop ends acquisition and returns the instrument to its menu. Any partial
// line in the buffer is discarded. If the instrument does not answer, its
// state is unknown: the transport is closed, the controller becomes
// Disconnected and ErrCommandTimeout is returned.
func (c *Controller) Stop() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if !c.state.Acquiring() {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, st)
	}
	l := c.link
	c.stopPollingLocked()
	if tail := c.lb.Drain(); tail != "" {
		tracef("discarding partial line %q on stop", tail)
	}
	c.pollPending = false
	c.setStateLocked(Stopping)
	c.mu.Unlock()

	lines, err := c.exchange(l, frame.CmdInterrupt)
	if err != nil {
		opsf("instrument did not return to menu: %v", err)
		c.abandon(l)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := findConfig(lines); ok {
		c.config = &cfg
	}
	if c.link == l {
		c.setStateLocked(ConfigMenu)
	}
	return nil
}

// Disconnect closes the transport. It raises no event.
func (c *Controller) Disconnect() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	c.abandon(l)
	return nil
}

// Health returns a snapshot of the controller.
func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := Health{
		State:           c.state,
		Identity:        c.identity,
		BufferLen:       c.lb.Len(),
		BufferCap:       c.lb.Cap(),
		Readings:        c.nReadings,
		Dropped:         c.nDropped,
		Discarded:       c.nDiscarded,
		InvalidFrames:   c.nInvalid,
		MissedPolls:     c.nMissed,
		BufferOverflows: c.lb.Overflows(),
	}
	if c.config != nil {
		cfg := *c.config
		h.Config = &cfg
	}
	if !c.lastReading.IsZero() {
		last := c.lastReading
		since := c.clock.Since(last).Seconds()
		h.LastReading = &last
		h.SinceLastSecs = &since
	}
	return h
}

// AttachAdminRoutes mounts the raw serial debug routes. They follow the
// connected port across reconnects and answer 503 while disconnected.
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	serialmux.AttachAdminRoutesFor(mux, c.transport)
}

func (c *Controller) transport() serialmux.SerialMuxInterface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.link.transport
}

func (c *Controller) requireState(want State) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInvalidState, want, c.state)
	}
	return c.link, nil
}

func (c *Controller) setStateLocked(s State) {
	if c.state != s {
		diagf("state %s -> %s", c.state, s)
	}
	c.state = s
}

// attach subscribes to transport and starts the goroutines servicing it.
func (c *Controller) attach(port string, transport serialmux.SerialMuxInterface) *link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		port:      port,
		transport: transport,
		cancel:    cancel,
		lost:      make(chan struct{}),
	}
	var ch chan []byte
	l.subID, ch = transport.Subscribe()

	c.mu.Lock()
	c.link = l
	c.lb.Reset()
	c.mu.Unlock()

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		err := transport.Monitor(ctx)
		close(l.lost)
		c.handleMonitorExit(l, err)
	}()
	go func() {
		defer l.wg.Done()
		for chunk := range ch {
			c.ingest(l, chunk)
		}
	}()
	return l
}

// abandon closes l intentionally and waits for its goroutines.
func (c *Controller) abandon(l *link) {
	l.intentional.Store(true)

	c.mu.Lock()
	if c.link == l {
		c.stopPollingLocked()
		c.link = nil
		c.waiter = nil
		c.setStateLocked(Disconnected)
	}
	c.mu.Unlock()

	l.cancel()
	if err := l.transport.Close(); err != nil {
		diagf("closing %s: %v", l.port, err)
	}
	l.wg.Wait()
}

func (c *Controller) handleMonitorExit(l *link, err error) {
	if l.intentional.Load() {
		return
	}
	lostErr := fmt.Errorf("%w: %s: %v", ErrConnectionLost, l.port, err)
	if err == nil {
		lostErr = fmt.Errorf("%w: %s closed", ErrConnectionLost, l.port)
	}

	c.mu.Lock()
	if c.link == l {
		c.stopPollingLocked()
		c.link = nil
		c.waiter = nil
		c.setStateLocked(Disconnected)
		c.emitLocked(Event{Kind: EventConnectionLost, Time: c.clock.Now(), Err: lostErr})
	}
	c.mu.Unlock()

	opsf("%v", lostErr)
	l.transport.Close()
}

// exchange sends cmd and waits for the lines up to the next menu prompt.
func (c *Controller) exchange(l *link, cmd string) ([]string, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: not connected", ErrInvalidState)
	}
	w := &promptWaiter{done: make(chan struct{})}
	c.mu.Lock()
	c.waiter = w
	c.mu.Unlock()

	label := strings.TrimSpace(strings.ReplaceAll(cmd, "\x1b", "<esc>"))
	if err := l.transport.SendCommand(cmd); err != nil {
		c.clearWaiter(w)
		return nil, fmt.Errorf("%w: sending %q: %v", ErrConnectionLost, label, err)
	}

	select {
	case <-w.done:
		return w.lines, nil
	case <-l.lost:
		return nil, fmt.Errorf("%w: waiting for %q", ErrConnectionLost, label)
	case <-c.clock.After(c.opts.PromptTimeout):
		c.clearWaiter(w)
		select {
		case <-w.done:
			return w.lines, nil
		default:
		}
		return nil, fmt.Errorf("%w: no prompt after %q within %s", ErrCommandTimeout, label, c.opts.PromptTimeout)
	}
}

func (c *Controller) clearWaiter(w *promptWaiter) {
	c.mu.Lock()
	if c.waiter == w {
		c.waiter = nil
	}
	c.mu.Unlock()
}

// ingest feeds one raw chunk through the line buffer. Readings are stamped
// here, when their line is recognised.
func (c *Controller) ingest(l *link, chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return
	}

	for _, line := range c.lb.Feed(chunk) {
		c.handleLineLocked(line)
	}

	if pending := c.lb.Pending(); pending != "" && frame.IsMenuPrompt(pending) {
		c.lb.Drain()
		if c.waiter != nil {
			c.waiter.lines = append(c.waiter.lines, pending)
			c.completeWaiterLocked()
		}
	}
}

func (c *Controller) handleLineLocked(line string) {
	tracef("line %q", line)

	if c.waiter != nil {
		c.waiter.lines = append(c.waiter.lines, line)
		if frame.IsMenuPrompt(line) {
			c.completeWaiterLocked()
		}
		return
	}

	var (
		r   frame.Reading
		err error
	)
	switch c.state {
	case AcqFreerun:
		r, err = frame.ParseFreerunLine(line)
	case AcqPolled:
		c.pollPending = false
		r, err = frame.ParsePolledLine(line, c.tag)
	case Paused:
		c.nDiscarded++
		return
	default:
		return
	}
	if err != nil {
		c.nInvalid++
		c.emitLocked(Event{Kind: EventInvalidFrame, Time: c.clock.Now(), Err: err, Line: line})
		return
	}

	r.WallTime = c.clock.Now()
	r.Monotonic = c.clock.Since(c.epoch)
	r.SensorID = c.sensorIDLocked()
	c.lastReading = r.WallTime

	select {
	case c.readings <- r:
		c.nReadings++
	default:
		c.nDropped++
		if c.nDropped == 1 || c.nDropped%1000 == 0 {
			opsf("reading consumer is behind: %d readings dropped", c.nDropped)
		}
	}
}

func (c *Controller) completeWaiterLocked() {
	close(c.waiter.done)
	c.waiter = nil
}

func (c *Controller) emitLocked(ev Event) {
	select {
	case c.events <- ev:
	default:
		tracef("event channel full, dropping %s", ev.Kind)
	}
}

// findConfig returns the last line of lines that parses as a configuration
// dump.
func findConfig(lines []string) (frame.InstrumentConfig, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		if cfg, err := frame.ParseConfigCSV(lines[i]); err == nil {
			return cfg, true
		}
	}
	return frame.InstrumentConfig{}, false
}
