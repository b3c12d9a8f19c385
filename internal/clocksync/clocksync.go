// Package clocksync estimates the offset between this host's clock and a
// peer's by timing round trips against the peer's time endpoint.
//
// Each sample records the local send and receive times around one request.
// The peer's reported time is compared with the midpoint of the two, so a
// sample's error is bounded by half its round trip. A measurement that could
// not be made has a nil OffsetMs; callers must treat that as unknown, never
// as zero.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lightlog/internal/httputil"
	"github.com/banshee-data/lightlog/internal/timeutil"
)

// TimePath is the peer endpoint queried for its current time.
const TimePath = "/api/time"

const (
	DefaultSamples  = 5
	DefaultTimeout  = 2 * time.Second
	DefaultRetries  = 2
	DefaultMaxRTT   = 200 * time.Millisecond
	DefaultInterval = 50 * time.Millisecond
)

// Measurement methods.
const (
	MethodRTTMidpoint = "rtt_midpoint"
	MethodUnsynced    = "unsynced"
)

// Failure reasons.
const (
	ReasonHighRTT         = "high_rtt"
	ReasonUnreachable     = "peer_unreachable"
	ReasonInvalidResponse = "invalid_response"
	ReasonCancelled       = "cancelled"
)

// ErrTimeSync is wrapped by Measurement.Err when no offset was obtained.
var ErrTimeSync = errors.New("clock offset unavailable")

// PeerTime is the body served at TimePath.
type PeerTime struct {
	UnixMs      float64 `json:"unix_ms"`
	Hostname    string  `json:"hostname"`
	ClockSource string  `json:"clock_source"`
}

// Now builds the PeerTime this host serves.
func Now(clock timeutil.Clock, hostname, clockSource string) PeerTime {
	return PeerTime{
		UnixMs:      timeutil.UnixMillis(clock.Now()),
		Hostname:    hostname,
		ClockSource: clockSource,
	}
}

// Sample is one timed round trip.
type Sample struct {
	SentAt        time.Time `json:"sent_at"`
	RTTMs         float64   `json:"rtt_ms"`
	OffsetMs      *float64  `json:"offset_ms"`
	UncertaintyMs float64   `json:"uncertainty_ms"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
}

// Measurement aggregates the samples taken against one peer. OffsetMs is the
// peer clock minus the local clock.
type Measurement struct {
	Peer            string    `json:"peer"`
	MeasuredAt      time.Time `json:"measured_at"`
	Method          string    `json:"method"`
	OffsetMs        *float64  `json:"offset_ms"`
	UncertaintyMs   *float64  `json:"uncertainty_ms"`
	ValidSamples    int       `json:"valid_samples"`
	Samples         []Sample  `json:"samples"`
	PeerHostname    string    `json:"peer_hostname,omitempty"`
	PeerClockSource string    `json:"peer_clock_source,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
}

// Synced reports whether the measurement produced an offset.
func (m Measurement) Synced() bool { return m.OffsetMs != nil }

// Err returns nil for a synced measurement and an ErrTimeSync carrying the
// failure reason otherwise.
func (m Measurement) Err() error {
	if m.Synced() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTimeSync, m.FailureReason)
}

// Options configures a Service. Zero values take the defaults.
type Options struct {
	Client  httputil.HTTPClient
	Clock   timeutil.Clock
	Samples int
	// Timeout bounds each request.
	Timeout time.Duration
	// Retries per sample after a failed request. Negative disables retries.
	Retries int
	MaxRTT  time.Duration
	// Interval between samples. Negative disables the pause.
	Interval time.Duration
}

// Service measures clock offsets against peers.
type Service struct {
	client   httputil.HTTPClient
	clock    timeutil.Clock
	samples  int
	timeout  time.Duration
	retries  int
	maxRTT   time.Duration
	interval time.Duration
}

// New returns a Service.
func New(opts Options) *Service {
	s := &Service{
		client:   opts.Client,
		clock:    opts.Clock,
		samples:  opts.Samples,
		timeout:  opts.Timeout,
		retries:  opts.Retries,
		maxRTT:   opts.MaxRTT,
		interval: opts.Interval,
	}
	if s.client == nil {
		s.client = httputil.NewStandardClient(nil)
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.samples <= 0 {
		s.samples = DefaultSamples
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.retries < 0 {
		s.retries = 0
	} else if opts.Retries == 0 {
		s.retries = DefaultRetries
	}
	if s.maxRTT <= 0 {
		s.maxRTT = DefaultMaxRTT
	}
	if s.interval < 0 {
		s.interval = 0
	} else if s.interval == 0 {
		s.interval = DefaultInterval
	}
	return s
}

// MeasureOffset takes the configured number of sequential samples against
// baseURL and aggregates the ones under the round-trip limit. It never
// returns an error; failures are reported through the Measurement.
func (s *Service) MeasureOffset(ctx context.Context, baseURL string) Measurement {
	url := strings.TrimRight(baseURL, "/") + TimePath
	m := Measurement{
		Peer:    baseURL,
		Method:  MethodRTTMidpoint,
		Samples: make([]Sample, 0, s.samples),
	}

	var (
		offsets  []float64
		highRTT  int
		invalid  int
		lastErr  string
		lastPeer PeerTime
	)
	for i := 0; i < s.samples; i++ {
		if i > 0 && s.interval > 0 {
			s.clock.Sleep(s.interval)
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err().Error()
			break
		}
		sample, peer, kind := s.sample(ctx, url)
		m.Samples = append(m.Samples, sample)
		if kind == "" {
			tracef("%s: sample %d rtt %.3f ms", url, i, sample.RTTMs)
		} else {
			tracef("%s: sample %d rejected: %s", url, i, kind)
		}
		switch kind {
		case "":
			offsets = append(offsets, *sample.OffsetMs)
			lastPeer = peer
		case ReasonHighRTT:
			highRTT++
			lastPeer = peer
		case ReasonInvalidResponse:
			invalid++
			lastErr = sample.Error
		default:
			lastErr = sample.Error
		}
	}
	m.MeasuredAt = s.clock.Now()
	m.PeerHostname = lastPeer.Hostname
	m.PeerClockSource = lastPeer.ClockSource
	m.ValidSamples = len(offsets)

	switch {
	case len(offsets) == 1:
		v := offsets[0]
		u := validUncertainty(m.Samples)
		m.OffsetMs, m.UncertaintyMs = &v, &u
	case len(offsets) > 1:
		mean, sd := stat.MeanStdDev(offsets, nil)
		u := 2 * sd
		m.OffsetMs, m.UncertaintyMs = &mean, &u
	default:
		m.Method = MethodUnsynced
		switch {
		case highRTT > 0:
			m.FailureReason = ReasonHighRTT
		case ctx.Err() != nil:
			m.FailureReason = ReasonCancelled
		case invalid > 0:
			m.FailureReason = ReasonInvalidResponse + ": " + lastErr
		default:
			m.FailureReason = ReasonUnreachable + ": " + lastErr
		}
	}

	if m.Synced() {
		diagf("%s: offset %.3f ms ± %.3f ms from %d/%d samples",
			baseURL, *m.OffsetMs, *m.UncertaintyMs, m.ValidSamples, len(m.Samples))
	} else {
		opsf("%s: unsynced (%s)", baseURL, m.FailureReason)
	}
	return m
}

// validUncertainty returns the uncertainty of the single valid sample.
func validUncertainty(samples []Sample) float64 {
	for _, sm := range samples {
		if sm.OffsetMs != nil {
			return sm.UncertaintyMs
		}
	}
	return 0
}

// sample performs one round trip, retrying transport and decode failures.
// The returned kind is empty for a valid sample or a failure reason.
func (s *Service) sample(ctx context.Context, url string) (Sample, PeerTime, string) {
	var (
		sm   Sample
		kind string
	)
	for attempt := 0; attempt <= s.retries; attempt++ {
		sm = Sample{Attempts: attempt + 1}
		sent := s.clock.Now()
		sm.SentAt = sent

		var body struct {
			UnixMs      *float64 `json:"unix_ms"`
			Hostname    string   `json:"hostname"`
			ClockSource string   `json:"clock_source"`
		}
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := httputil.DoJSON(reqCtx, s.client, http.MethodGet, url, nil, &body)
		cancel()
		recv := s.clock.Now()

		if err != nil {
			sm.Error = err.Error()
			kind = ReasonUnreachable
			if ctx.Err() != nil {
				return sm, PeerTime{}, ReasonCancelled
			}
			continue
		}
		if body.UnixMs == nil {
			sm.Error = "response has no unix_ms"
			kind = ReasonInvalidResponse
			continue
		}

		peer := PeerTime{UnixMs: *body.UnixMs, Hostname: body.Hostname, ClockSource: body.ClockSource}
		rtt := recv.Sub(sent)
		sm.RTTMs = float64(rtt) / float64(time.Millisecond)
		sm.UncertaintyMs = sm.RTTMs / 2
		if rtt > s.maxRTT {
			sm.Error = fmt.Sprintf("%s: round trip %.1f ms exceeds %.1f ms",
				ReasonHighRTT, sm.RTTMs, float64(s.maxRTT)/float64(time.Millisecond))
			return sm, peer, ReasonHighRTT
		}
		mid := sent.Add(rtt / 2)
		offset := peer.UnixMs - timeutil.UnixMillis(mid)
		sm.OffsetMs = &offset
		return sm, peer, ""
	}
	return sm, PeerTime{}, kind
}

// Drift returns the change in offset between two measurements in
// milliseconds per hour, or nil when either is unsynced or they were taken
// at the same time.
func Drift(initial, final Measurement) *float64 {
	if !initial.Synced() || !final.Synced() {
		return nil
	}
	hours := final.MeasuredAt.Sub(initial.MeasuredAt).Hours()
	if hours <= 0 {
		return nil
	}
	d := (*final.OffsetMs - *initial.OffsetMs) / hours
	return &d
}
