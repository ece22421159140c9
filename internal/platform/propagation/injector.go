package propagation

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/platform/discovery"
	"github.com/ehr/pssim/internal/platform/identity"
	"github.com/ehr/pssim/internal/platform/location"
	"github.com/ehr/pssim/internal/platform/metrics"
	"github.com/ehr/pssim/internal/platform/middleware"
)

// Default header names stamped on outgoing calls.
const (
	DefaultRoutingHeader = "x-backend-location"
	DefaultActorHeader   = "x-telematik-id"
)

// DefaultFallbackKeys are scanned on the outgoing carrier when the request
// scope holds no insurant.
var DefaultFallbackKeys = []string{"x-insurantid", "x-insurant-id", "insurantid", "kvnr"}

// Result describes what Inject did to a call.
type Result string

const (
	ResultRouted     Result = "routed"
	ResultExcluded   Result = "excluded"
	ResultNoInsurant Result = "no_insurant"
	ResultUnresolved Result = "unresolved"
)

type Config struct {
	RoutingHeader   string
	ActorHeader     string
	RequestIDHeader string
	// Exclusions are endpoint fragments; an endpoint containing any of them
	// gets no routing header. The record status path is always excluded.
	Exclusions   []string
	FallbackKeys []string
}

func DefaultConfig() Config {
	return Config{
		RoutingHeader:   DefaultRoutingHeader,
		ActorHeader:     DefaultActorHeader,
		RequestIDHeader: middleware.RequestIDHeader,
		FallbackKeys:    append([]string(nil), DefaultFallbackKeys...),
	}
}

// Injector stamps the routing and actor headers of the current request scope
// onto outgoing calls. It never fails a call.
type Injector struct {
	cfg     Config
	cache   *location.Cache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Injector)

func WithLogger(l zerolog.Logger) Option {
	return func(i *Injector) { i.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Injector) { i.metrics = m }
}

func NewInjector(cache *location.Cache, cfg Config, opts ...Option) *Injector {
	def := DefaultConfig()
	if cfg.RoutingHeader == "" {
		cfg.RoutingHeader = def.RoutingHeader
	}
	if cfg.ActorHeader == "" {
		cfg.ActorHeader = def.ActorHeader
	}
	if cfg.FallbackKeys == nil {
		cfg.FallbackKeys = def.FallbackKeys
	}
	cfg.Exclusions = append([]string{discovery.DefaultProbePath}, cfg.Exclusions...)

	inj := &Injector{cfg: cfg, cache: cache, logger: zerolog.Nop()}
	for _, o := range opts {
		o(inj)
	}
	return inj
}

// Inject decorates carrier for a call to endpoint with the identity found
// in ctx.
func (inj *Injector) Inject(ctx context.Context, endpoint string, carrier Carrier) Result {
	scope := identity.FromContext(ctx)
	log := inj.logger.With().Str("endpoint", endpoint).Logger()

	if actor, ok := scope.Actor(); ok {
		carrier.Set(inj.cfg.ActorHeader, string(actor))
	} else {
		log.Debug().Msg("no actor in scope")
	}

	if inj.cfg.RequestIDHeader != "" && carrier.Get(inj.cfg.RequestIDHeader) == "" {
		if rid := middleware.RequestIDFromContext(ctx); rid != "" {
			carrier.Set(inj.cfg.RequestIDHeader, rid)
		}
	}

	result := inj.route(endpoint, scope, carrier, log)
	inj.metrics.IncInjection(transportOf(carrier), string(result))
	return result
}

func (inj *Injector) route(endpoint string, scope *identity.Scope, carrier Carrier, log zerolog.Logger) Result {
	if inj.Excluded(endpoint) {
		return ResultExcluded
	}

	id, ok := scope.Insurant()
	if !ok {
		id = inj.fallbackInsurant(carrier)
	}
	if id == "" {
		log.Warn().Msg("no insurant id for outgoing call, sending without routing header")
		return ResultNoInsurant
	}

	loc, ok := inj.cache.Get(id)
	if !ok {
		log.Warn().Str("insurant_id", string(id)).Msg("record location unknown, sending without routing header")
		return ResultUnresolved
	}
	carrier.Set(inj.cfg.RoutingHeader, string(loc))
	return ResultRouted
}

// Excluded reports whether endpoint must not carry a routing header. Query
// and fragment are not matched.
func (inj *Injector) Excluded(endpoint string) bool {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	for _, ex := range inj.cfg.Exclusions {
		if ex != "" && strings.Contains(endpoint, ex) {
			return true
		}
	}
	return false
}

func (inj *Injector) fallbackInsurant(carrier Carrier) identity.InsurantID {
	for _, k := range inj.cfg.FallbackKeys {
		if v := strings.TrimSpace(carrier.Get(k)); v != "" {
			return identity.InsurantID(v)
		}
	}
	return ""
}

// Transport wraps next so every request it sends is injected. A nil next
// uses http.DefaultTransport.
func (inj *Injector) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{inj: inj, next: next}
}

// Client returns an HTTP client whose requests are injected.
func (inj *Injector) Client(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: inj.Transport(nil)}
}

type transport struct {
	inj  *Injector
	next http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	t.inj.Inject(out.Context(), out.URL.String(), HeaderCarrier(out.Header))
	return t.next.RoundTrip(out)
}
