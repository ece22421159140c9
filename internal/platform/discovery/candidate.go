package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ehr/pssim/internal/platform/identity"
	"github.com/ehr/pssim/internal/platform/location"
)

// DefaultProbePath is the record status endpoint of the information service.
const DefaultProbePath = "/information/api/v1/ehr"

// Probe request headers.
const (
	HeaderInsurantID = "x-insurantid"
	HeaderUserAgent  = "x-useragent"
)

const maxErrorBody = 64 << 10

// ErrNoCandidates is returned when no backend candidate is configured.
var ErrNoCandidates = errors.New("no backend candidates configured")

// ProbeStatus classifies one candidate's answer to a record status probe.
type ProbeStatus int

const (
	// ProbeLocated: the candidate hosts the record (204 No Content).
	ProbeLocated ProbeStatus = iota
	// ProbeConflict: the record exists but is not usable yet (409).
	ProbeConflict
	// ProbeFailed: a modeled error status, or any other 4xx/5xx carrying
	// an errorCode body.
	ProbeFailed
	// ProbeUnrecognized: a status the protocol does not model and that
	// carries no structured error.
	ProbeUnrecognized
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeLocated:
		return "located"
	case ProbeConflict:
		return "conflict"
	case ProbeFailed:
		return "failed"
	case ProbeUnrecognized:
		return "unrecognized"
	}
	return "unknown"
}

// ProbeResult is the decoded answer of a record status probe.
type ProbeResult struct {
	Status      ProbeStatus
	HTTPStatus  int
	ErrorCode   string
	ErrorDetail string
}

// Message is the text remembered for a failed probe.
func (r ProbeResult) Message() string {
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	return fmt.Sprintf("HTTP %d", r.HTTPStatus)
}

// Candidate is one backend instance that may host an insurant's record.
type Candidate interface {
	Location() location.Location
	ProbeRecordStatus(ctx context.Context, id identity.InsurantID, userAgent string) (ProbeResult, error)
}

type errorResponse struct {
	ErrorCode   string `json:"errorCode"`
	ErrorDetail string `json:"errorDetail,omitempty"`
}

// HTTPCandidate probes a backend over HTTP.
type HTTPCandidate struct {
	base   location.Location
	path   string
	client *http.Client
}

// CandidateOption configures an HTTPCandidate.
type CandidateOption func(*HTTPCandidate)

// WithHTTPClient overrides the client used for probes. Its timeout bounds
// every probe.
func WithHTTPClient(c *http.Client) CandidateOption {
	return func(h *HTTPCandidate) { h.client = c }
}

func WithProbePath(p string) CandidateOption {
	return func(h *HTTPCandidate) { h.path = p }
}

func NewHTTPCandidate(base location.Location, opts ...CandidateOption) *HTTPCandidate {
	h := &HTTPCandidate{
		base:   base,
		path:   DefaultProbePath,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// NewHTTPCandidates builds one candidate per base URL, keeping the order.
// Duplicates are rejected since each location may host a record only once.
func NewHTTPCandidates(bases []string, opts ...CandidateOption) ([]Candidate, error) {
	out := make([]Candidate, 0, len(bases))
	seen := make(map[location.Location]bool, len(bases))
	for _, raw := range bases {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		loc, err := location.ParseLocation(raw)
		if err != nil {
			return nil, err
		}
		if seen[loc] {
			return nil, fmt.Errorf("duplicate candidate %s", loc)
		}
		seen[loc] = true
		out = append(out, NewHTTPCandidate(loc, opts...))
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	return out, nil
}

func (h *HTTPCandidate) Location() location.Location {
	return h.base
}

// ProbeURL is the full status endpoint of this candidate.
func (h *HTTPCandidate) ProbeURL() string {
	return string(h.base) + h.path
}

// ProbeRecordStatus performs GET {base}{path}. A non-nil error means the
// probe did not produce an HTTP response.
func (h *HTTPCandidate) ProbeRecordStatus(ctx context.Context, id identity.InsurantID, userAgent string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ProbeURL(), nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set(HeaderInsurantID, string(id))
	req.Header.Set(HeaderUserAgent, userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", h.base, err)
	}
	defer resp.Body.Close()

	result := ProbeResult{HTTPStatus: resp.StatusCode}
	switch code := resp.StatusCode; {
	case code == http.StatusNoContent:
		result.Status = ProbeLocated
		_, _ = io.Copy(io.Discard, resp.Body)
		return result, nil
	case code == http.StatusConflict:
		result.Status = ProbeConflict
	case modeledFailure(code):
		result.Status = ProbeFailed
	case code >= 400 && code < 600:
		// Unmodeled error statuses continue only when they carry an errorCode.
		result.Status = ProbeUnrecognized
	default:
		result.Status = ProbeUnrecognized
		_, _ = io.Copy(io.Discard, resp.Body)
		return result, nil
	}

	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil {
		result.ErrorCode = body.ErrorCode
		result.ErrorDetail = body.ErrorDetail
	}
	if result.Status == ProbeUnrecognized && result.ErrorCode != "" {
		result.Status = ProbeFailed
	}
	return result, nil
}

func modeledFailure(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusLocked, http.StatusInternalServerError:
		return true
	}
	return false
}
