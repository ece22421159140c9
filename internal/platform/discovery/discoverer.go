package discovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/pssim/internal/platform/identity"
	"github.com/ehr/pssim/internal/platform/location"
	"github.com/ehr/pssim/internal/platform/metrics"
)

// Status messages of unsuccessful outcomes.
const (
	MessageNotFound        = "NotFound"
	MessageUnknownError    = "UnknownError"
	MessageTransportError  = "TransportError"
	MessageMissingInsurant = "MissingInsurantId"
	MessageCanceled        = "Canceled"
)

// DefaultUserAgent identifies the simulator towards candidate backends.
const DefaultUserAgent = "PSSIM/1.0.0"

// Kind is the typed result of a discovery.
type Kind int

const (
	KindResolved Kind = iota
	// KindResolvedAfterFailure: resolved, but an earlier candidate failed.
	KindResolvedAfterFailure
	KindNotFound
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindResolved:
		return "resolved"
	case KindResolvedAfterFailure:
		return "resolved_after_failure"
	case KindNotFound:
		return "not_found"
	case KindError:
		return "error"
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Attempt records one probe of a discovery run.
type Attempt struct {
	Candidate  location.Location `json:"candidate"`
	Result     string            `json:"result"`
	HTTPStatus int               `json:"http_status,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Outcome is what a discovery reports. Failures are values, never errors.
type Outcome struct {
	Kind          Kind              `json:"kind"`
	Success       bool              `json:"success"`
	Location      location.Location `json:"location,omitempty"`
	StatusMessage string            `json:"status_message,omitempty"`
	// Candidate is the 0-based index of the resolving candidate, -1 if none.
	Candidate int       `json:"candidate"`
	Cached    bool      `json:"cached,omitempty"`
	Attempts  []Attempt `json:"attempts,omitempty"`
}

// Discoverer finds which candidate hosts an insurant's record and keeps the
// answer in the location cache.
type Discoverer struct {
	candidates []Candidate
	cache      *location.Cache
	userAgent  string
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	group      singleflight.Group
}

// Option configures a Discoverer.
type Option func(*Discoverer)

func WithUserAgent(ua string) Option {
	return func(d *Discoverer) { d.userAgent = ua }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Discoverer) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Discoverer) { d.metrics = m }
}

// NewDiscoverer probes candidates in the given order; order is priority.
func NewDiscoverer(cache *location.Cache, candidates []Candidate, opts ...Option) *Discoverer {
	d := &Discoverer{
		candidates: append([]Candidate(nil), candidates...),
		cache:      cache,
		userAgent:  DefaultUserAgent,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Candidates lists the configured candidate locations in priority order.
func (d *Discoverer) Candidates() []location.Location {
	out := make([]location.Location, len(d.candidates))
	for i, c := range d.candidates {
		out[i] = c.Location()
	}
	return out
}

// Resolve answers from the cache when possible and discovers otherwise.
func (d *Discoverer) Resolve(ctx context.Context, id identity.InsurantID) Outcome {
	if loc, ok := d.cache.Get(id); ok {
		return Outcome{Kind: KindResolved, Success: true, Location: loc, Candidate: d.indexOf(loc), Cached: true}
	}
	return d.Discover(ctx, id)
}

// Discover probes every candidate in order until one hosts the record.
// Concurrent calls for the same insurant share one probe run. The shared run
// outlives any single caller; a caller whose ctx ends stops waiting and gets
// a Canceled outcome while the others still receive the result.
func (d *Discoverer) Discover(ctx context.Context, id identity.InsurantID) Outcome {
	if id == "" {
		return Outcome{Kind: KindError, StatusMessage: MessageMissingInsurant, Candidate: -1}
	}
	ch := d.group.DoChan(string(id), func() (any, error) {
		return d.discover(context.WithoutCancel(ctx), id), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Outcome)
	case <-ctx.Done():
		return canceled(nil)
	}
}

func canceled(attempts []Attempt) Outcome {
	return Outcome{Kind: KindError, StatusMessage: MessageCanceled, Candidate: -1, Attempts: attempts}
}

// Invalidate forgets the location of id, e.g. on session teardown.
func (d *Discoverer) Invalidate(id identity.InsurantID) {
	d.cache.Remove(id)
}

func (d *Discoverer) discover(ctx context.Context, id identity.InsurantID) Outcome {
	start := time.Now()
	log := d.logger.With().Str("insurant_id", string(id)).Logger()

	var (
		lastMessage string
		failed      bool
		attempts    = make([]Attempt, 0, len(d.candidates))
	)

	for i, c := range d.candidates {
		if ctx.Err() != nil {
			return canceled(attempts)
		}
		loc := c.Location()
		res, err := c.ProbeRecordStatus(ctx, id, d.userAgent)
		if err != nil && ctx.Err() != nil {
			log.Debug().Err(err).Str("candidate", string(loc)).Msg("discovery canceled")
			d.metrics.ObserveDiscovery(KindError.String(), time.Since(start))
			return canceled(attempts)
		}
		if err != nil {
			log.Warn().Err(err).Str("candidate", string(loc)).Msg("record status probe failed")
			d.metrics.IncProbe(string(loc), "transport_error")
			attempts = append(attempts, Attempt{Candidate: loc, Result: "transport_error", Message: MessageTransportError})
			lastMessage = MessageTransportError
			failed = true
			continue
		}

		d.metrics.IncProbe(string(loc), res.Status.String())
		attempt := Attempt{Candidate: loc, Result: res.Status.String(), HTTPStatus: res.HTTPStatus}

		switch res.Status {
		case ProbeLocated:
			attempts = append(attempts, attempt)
			d.cache.Put(id, loc)
			kind := KindResolved
			if failed {
				kind = KindResolvedAfterFailure
			}
			log.Info().Str("location", string(loc)).Int("candidate", i).Msg("record located")
			d.metrics.ObserveDiscovery(kind.String(), time.Since(start))
			return Outcome{Kind: kind, Success: true, Location: loc, Candidate: i, Attempts: attempts}

		case ProbeConflict, ProbeFailed:
			attempt.Message = res.Message()
			attempts = append(attempts, attempt)
			log.Debug().
				Str("candidate", string(loc)).
				Int("status", res.HTTPStatus).
				Str("error_code", res.ErrorCode).
				Str("error_detail", res.ErrorDetail).
				Msg("candidate does not serve record")
			lastMessage = attempt.Message
			failed = true

		default:
			attempts = append(attempts, attempt)
			log.Warn().Str("candidate", string(loc)).Int("status", res.HTTPStatus).
				Msg("unrecognized record status response, aborting discovery")
			d.metrics.ObserveDiscovery(KindNotFound.String(), time.Since(start))
			return Outcome{Kind: KindNotFound, StatusMessage: MessageNotFound, Candidate: -1, Attempts: attempts}
		}
	}

	if lastMessage == "" {
		lastMessage = MessageUnknownError
	}
	log.Info().Str("status_message", lastMessage).Msg("record location not resolved")
	d.metrics.ObserveDiscovery(KindError.String(), time.Since(start))
	return Outcome{Kind: KindError, StatusMessage: lastMessage, Candidate: -1, Attempts: attempts}
}

func (d *Discoverer) indexOf(loc location.Location) int {
	for i, c := range d.candidates {
		if c.Location() == loc {
			return i
		}
	}
	return -1
}
