package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/platform/discovery"
	"github.com/ehr/pssim/internal/platform/identity"
	"github.com/ehr/pssim/internal/platform/location"
)

// ErrUnresolved is returned by Forward when the record location could not
// be discovered.
var ErrUnresolved = errors.New("record location unresolved")

// Locator is the discovery surface the record service needs.
type Locator interface {
	Resolve(ctx context.Context, id identity.InsurantID) discovery.Outcome
	Discover(ctx context.Context, id identity.InsurantID) discovery.Outcome
	Invalidate(id identity.InsurantID)
	Candidates() []location.Location
}

// Entry is one cached record location.
type Entry struct {
	InsurantID identity.InsurantID `json:"insurant_id"`
	Location   location.Location   `json:"location"`
}

type Service struct {
	locator Locator
	cache   *location.Cache
	client  *http.Client
	logger  zerolog.Logger
}

// NewService wires discovery and the cache to client, which is expected to
// carry the context-injecting transport.
func NewService(locator Locator, cache *location.Cache, client *http.Client, logger zerolog.Logger) *Service {
	return &Service{locator: locator, cache: cache, client: client, logger: logger}
}

// Locate resolves the location of id, from the cache when known. On success
// id becomes the insurant of the request scope in ctx.
func (s *Service) Locate(ctx context.Context, id identity.InsurantID) discovery.Outcome {
	return s.bind(ctx, id, s.locator.Resolve(ctx, id))
}

// Rediscover ignores the cache and probes every candidate again.
func (s *Service) Rediscover(ctx context.Context, id identity.InsurantID) discovery.Outcome {
	return s.bind(ctx, id, s.locator.Discover(ctx, id))
}

func (s *Service) bind(ctx context.Context, id identity.InsurantID, out discovery.Outcome) discovery.Outcome {
	if out.Success {
		identity.FromContext(ctx).SetInsurant(id)
	}
	return out
}

func (s *Service) Forget(id identity.InsurantID) {
	s.locator.Invalidate(id)
	s.logger.Info().Str("insurant_id", string(id)).Msg("record location invalidated")
}

// Locations lists the cache ordered by insurant id.
func (s *Service) Locations() []Entry {
	all := s.cache.All()
	out := make([]Entry, 0, len(all))
	for id, loc := range all {
		out = append(out, Entry{InsurantID: id, Location: loc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsurantID < out[j].InsurantID })
	return out
}

func (s *Service) Candidates() []location.Location {
	return s.locator.Candidates()
}

// ForwardRequest is an inbound call to relay to the record's backend.
type ForwardRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   io.Reader
}

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host", "Content-Length",
}

// Forward relays fr to the backend hosting id's record. The caller owns the
// returned response body.
func (s *Service) Forward(ctx context.Context, id identity.InsurantID, fr ForwardRequest) (*http.Response, discovery.Outcome, error) {
	out := s.Locate(ctx, id)
	if !out.Success {
		return nil, out, fmt.Errorf("%w: %s", ErrUnresolved, out.StatusMessage)
	}

	target, err := url.Parse(string(out.Location))
	if err != nil {
		return nil, out, fmt.Errorf("parse location: %w", err)
	}
	target.Path = "/" + strings.TrimPrefix(fr.Path, "/")
	target.RawQuery = fr.Query

	req, err := http.NewRequestWithContext(ctx, fr.Method, target.String(), fr.Body)
	if err != nil {
		return nil, out, fmt.Errorf("build forward request: %w", err)
	}
	if fr.Header != nil {
		req.Header = fr.Header.Clone()
		for _, h := range hopHeaders {
			req.Header.Del(h)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, out, fmt.Errorf("forward to %s: %w", out.Location, err)
	}
	s.logger.Debug().
		Str("insurant_id", string(id)).
		Str("target", target.String()).
		Int("status", resp.StatusCode).
		Msg("request forwarded")
	return resp, out, nil
}
