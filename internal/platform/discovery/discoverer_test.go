package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ehr/pssim/internal/platform/identity"
	"github.com/ehr/pssim/internal/platform/location"
	"github.com/ehr/pssim/internal/platform/metrics"
)

type fakeCandidate struct {
	loc    location.Location
	result ProbeResult
	err    error
	calls  atomic.Int32
	delay  time.Duration
}

func (f *fakeCandidate) Location() location.Location { return f.loc }

func (f *fakeCandidate) ProbeRecordStatus(ctx context.Context, _ identity.InsurantID, _ string) (ProbeResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ProbeResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func located(loc string) *fakeCandidate {
	return &fakeCandidate{loc: location.Location(loc), result: ProbeResult{Status: ProbeLocated, HTTPStatus: 204}}
}

func conflict(loc string) *fakeCandidate {
	return &fakeCandidate{loc: location.Location(loc), result: ProbeResult{Status: ProbeConflict, HTTPStatus: 409, ErrorCode: "statusMismatch"}}
}

func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultProbePath {
			t.Errorf("unexpected probe path %s", r.URL.Path)
		}
		if body != "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		if body != "" {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func httpCandidate(t *testing.T, srv *httptest.Server) Candidate {
	t.Helper()
	loc, err := location.ParseLocation(srv.URL)
	if err != nil {
		t.Fatalf("parse %s: %v", srv.URL, err)
	}
	return NewHTTPCandidate(loc, WithHTTPClient(srv.Client()))
}

func TestDiscover_ConflictThenLocated(t *testing.T) {
	first := statusServer(t, http.StatusConflict, `{"errorCode":"statusMismatch"}`)
	second := statusServer(t, http.StatusNoContent, "")

	cache := location.NewCache()
	d := NewDiscoverer(cache, []Candidate{httpCandidate(t, first), httpCandidate(t, second)})

	out := d.Discover(context.Background(), "X110123123")
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	want := location.Location(second.URL)
	if out.Location != want {
		t.Errorf("expected %s, got %s", want, out.Location)
	}
	if out.Kind != KindResolvedAfterFailure {
		t.Errorf("expected resolved_after_failure, got %s", out.Kind)
	}
	if got, ok := cache.Get("X110123123"); !ok || got != want {
		t.Errorf("expected cache entry %s, got %s", want, got)
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Message != "statusMismatch" {
		t.Errorf("expected conflict recorded on first attempt, got %+v", out.Attempts)
	}
}

func TestDiscover_UnmodeledStatus(t *testing.T) {
	srv := statusServer(t, http.StatusNotImplemented, "")

	cache := location.NewCache()
	d := NewDiscoverer(cache, []Candidate{httpCandidate(t, srv)})

	out := d.Discover(context.Background(), "X110123123")
	if out.Success {
		t.Error("expected failure for unmodeled status")
	}
	if out.StatusMessage != MessageNotFound {
		t.Errorf("expected %s, got %s", MessageNotFound, out.StatusMessage)
	}
	if out.Kind != KindNotFound {
		t.Errorf("expected not_found, got %s", out.Kind)
	}
	if _, ok := cache.Get("X110123123"); ok {
		t.Error("expected no cache entry")
	}
}

func TestDiscover_FirstSuccessWins(t *testing.T) {
	for k := 1; k <= 4; k++ {
		candidates := make([]Candidate, 0, 5)
		fakes := make([]*fakeCandidate, 0, 5)
		for i := 1; i < k; i++ {
			f := conflict("https://as-" + string(rune('0'+i)) + ".example")
			fakes = append(fakes, f)
			candidates = append(candidates, f)
		}
		winner := located("https://winner.example")
		fakes = append(fakes, winner)
		candidates = append(candidates, winner)
		after := located("https://after.example")
		fakes = append(fakes, after)
		candidates = append(candidates, after)

		cache := location.NewCache()
		out := NewDiscoverer(cache, candidates).Discover(context.Background(), "X1")

		if !out.Success || out.Location != "https://winner.example" {
			t.Errorf("k=%d: expected winner, got %+v", k, out)
		}
		if out.Candidate != k-1 {
			t.Errorf("k=%d: expected candidate index %d, got %d", k, k-1, out.Candidate)
		}
		if loc, _ := cache.Get("X1"); loc != "https://winner.example" {
			t.Errorf("k=%d: expected cache to hold winner, got %s", k, loc)
		}
		if after.calls.Load() != 0 {
			t.Errorf("k=%d: expected no probes after first success", k)
		}
		for i, f := range fakes[:k] {
			if f.calls.Load() != 1 {
				t.Errorf("k=%d: expected candidate %d probed once, got %d", k, i, f.calls.Load())
			}
		}
		wantKind := KindResolvedAfterFailure
		if k == 1 {
			wantKind = KindResolved
		}
		if out.Kind != wantKind {
			t.Errorf("k=%d: expected %s, got %s", k, wantKind, out.Kind)
		}
	}
}

func TestDiscover_UnrecognizedAbortsBeforeLaterSuccess(t *testing.T) {
	first := conflict("https://a.example")
	bad := &fakeCandidate{loc: "https://b.example", result: ProbeResult{Status: ProbeUnrecognized, HTTPStatus: 200}}
	later := located("https://c.example")

	cache := location.NewCache()
	out := NewDiscoverer(cache, []Candidate{first, bad, later}).Discover(context.Background(), "X1")

	if out.Success {
		t.Error("expected failure")
	}
	if out.StatusMessage != MessageNotFound {
		t.Errorf("expected %s, got %s", MessageNotFound, out.StatusMessage)
	}
	if later.calls.Load() != 0 {
		t.Error("expected later candidate not to be probed")
	}
	if _, ok := cache.Get("X1"); ok {
		t.Error("expected cache not populated")
	}
}

func TestDiscover_TransportErrorContinues(t *testing.T) {
	broken := &fakeCandidate{loc: "https://down.example", err: errors.New("connection refused")}
	ok := located("https://up.example")

	out := NewDiscoverer(location.NewCache(), []Candidate{broken, ok}).Discover(context.Background(), "X1")
	if !out.Success || out.Location != "https://up.example" {
		t.Errorf("expected resolution past transport error, got %+v", out)
	}
	if out.Attempts[0].Message != MessageTransportError {
		t.Errorf("expected transport error recorded, got %+v", out.Attempts[0])
	}
}

func TestDiscover_ExhaustedReturnsLastMessage(t *testing.T) {
	a := conflict("https://a.example")
	b := &fakeCandidate{loc: "https://b.example", result: ProbeResult{Status: ProbeFailed, HTTPStatus: 404, ErrorCode: "noHealthRecord"}}

	out := NewDiscoverer(location.NewCache(), []Candidate{a, b}).Discover(context.Background(), "X1")
	if out.Success {
		t.Error("expected failure")
	}
	if out.Kind != KindError {
		t.Errorf("expected error kind, got %s", out.Kind)
	}
	if out.StatusMessage != "noHealthRecord" {
		t.Errorf("expected last message noHealthRecord, got %s", out.StatusMessage)
	}
}

func TestDiscover_ExhaustedWithTransportErrorLast(t *testing.T) {
	a := conflict("https://a.example")
	b := &fakeCandidate{loc: "https://b.example", err: errors.New("timeout")}

	out := NewDiscoverer(location.NewCache(), []Candidate{a, b}).Discover(context.Background(), "X1")
	if out.StatusMessage != MessageTransportError {
		t.Errorf("expected %s, got %s", MessageTransportError, out.StatusMessage)
	}
}

func TestDiscover_NoCandidates(t *testing.T) {
	out := NewDiscoverer(location.NewCache(), nil).Discover(context.Background(), "X1")
	if out.Success {
		t.Error("expected failure")
	}
	if out.StatusMessage != MessageUnknownError {
		t.Errorf("expected %s, got %s", MessageUnknownError, out.StatusMessage)
	}
}

func TestDiscover_EmptyInsurant(t *testing.T) {
	c := located("https://a.example")
	out := NewDiscoverer(location.NewCache(), []Candidate{c}).Discover(context.Background(), "")
	if out.Success || out.StatusMessage != MessageMissingInsurant {
		t.Errorf("expected missing insurant outcome, got %+v", out)
	}
	if c.calls.Load() != 0 {
		t.Error("expected no probe without insurant")
	}
}

func TestDiscover_OverwritesStaleEntry(t *testing.T) {
	cache := location.NewCache()
	cache.Put("X1", "https://old.example")

	out := NewDiscoverer(cache, []Candidate{located("https://new.example")}).Discover(context.Background(), "X1")
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if loc, _ := cache.Get("X1"); loc != "https://new.example" {
		t.Errorf("expected refreshed entry, got %s", loc)
	}
}

func TestResolve_UsesCache(t *testing.T) {
	cache := location.NewCache()
	c := located("https://a.example")
	cache.Put("X1", "https://a.example")

	out := NewDiscoverer(cache, []Candidate{c}).Resolve(context.Background(), "X1")
	if !out.Success || !out.Cached {
		t.Errorf("expected cached success, got %+v", out)
	}
	if out.Candidate != 0 {
		t.Errorf("expected candidate 0, got %d", out.Candidate)
	}
	if c.calls.Load() != 0 {
		t.Error("expected no probe on cache hit")
	}
}

func TestResolve_DiscoversOnMiss(t *testing.T) {
	c := located("https://a.example")
	out := NewDiscoverer(location.NewCache(), []Candidate{c}).Resolve(context.Background(), "X1")
	if !out.Success || out.Cached {
		t.Errorf("expected fresh discovery, got %+v", out)
	}
	if c.calls.Load() != 1 {
		t.Errorf("expected 1 probe, got %d", c.calls.Load())
	}
}

func TestInvalidate(t *testing.T) {
	cache := location.NewCache()
	cache.Put("X1", "https://a.example")

	NewDiscoverer(cache, nil).Invalidate("X1")
	if _, ok := cache.Get("X1"); ok {
		t.Error("expected entry invalidated")
	}
}

func TestDiscover_ConcurrentSameInsurantShareProbe(t *testing.T) {
	c := located("https://a.example")
	c.delay = 50 * time.Millisecond
	d := NewDiscoverer(location.NewCache(), []Candidate{c})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if out := d.Discover(context.Background(), "X1"); !out.Success {
				t.Errorf("expected success, got %+v", out)
			}
		}()
	}
	wg.Wait()

	if n := c.calls.Load(); n >= 10 {
		t.Errorf("expected concurrent discoveries to be collapsed, got %d probes", n)
	}
}

func TestDiscover_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := NewDiscoverer(location.NewCache(), []Candidate{conflict("https://a.example"), located("https://b.example")}, WithMetrics(m))

	d.Discover(context.Background(), "X1")

	if got := testutil.ToFloat64(m.DiscoveriesTotal.WithLabelValues("resolved_after_failure")); got != 1 {
		t.Errorf("expected 1 resolved_after_failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProbesTotal.WithLabelValues("https://a.example", "conflict")); got != 1 {
		t.Errorf("expected 1 conflict probe, got %v", got)
	}
}

func TestCandidates_Order(t *testing.T) {
	d := NewDiscoverer(location.NewCache(), []Candidate{located("https://a.example"), located("https://b.example")})
	got := d.Candidates()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("expected configured order, got %v", got)
	}
}

func TestKind_MarshalText(t *testing.T) {
	b, err := KindResolvedAfterFailure.MarshalText()
	if err != nil || string(b) != "resolved_after_failure" {
		t.Errorf("expected resolved_after_failure, got %s (%v)", b, err)
	}
}

func TestDiscover_CanceledCallerDoesNotFailSharedRun(t *testing.T) {
	slow := located("https://as-1.example")
	slow.delay = 200 * time.Millisecond
	cache := location.NewCache()
	d := NewDiscoverer(cache, []Candidate{slow})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	var outA, outB Outcome
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outA = d.Discover(ctxA, "X1")
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		outB = d.Discover(context.Background(), "X1")
	}()
	time.Sleep(10 * time.Millisecond)
	cancelA()
	wg.Wait()

	if outA.Success || outA.StatusMessage != MessageCanceled {
		t.Errorf("expected canceled caller to get %s, got %+v", MessageCanceled, outA)
	}
	if !outB.Success || outB.Location != "https://as-1.example" {
		t.Errorf("expected other caller to resolve, got %+v", outB)
	}
	if got := slow.calls.Load(); got != 1 {
		t.Errorf("expected one shared probe, got %d", got)
	}
	if loc, ok := cache.Get("X1"); !ok || loc != "https://as-1.example" {
		t.Errorf("expected cache populated, got %q", loc)
	}
}

func TestDiscover_CanceledRunStopsProbing(t *testing.T) {
	first := &fakeCandidate{loc: "https://a.example", delay: time.Second}
	second := located("https://b.example")
	cache := location.NewCache()
	d := NewDiscoverer(cache, []Candidate{first, second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := d.discover(ctx, "X1")
	if out.Success || out.StatusMessage != MessageCanceled {
		t.Errorf("expected %s, got %+v", MessageCanceled, out)
	}
	if got := second.calls.Load(); got != 0 {
		t.Errorf("expected no probe after cancellation, got %d", got)
	}
	if _, ok := cache.Get("X1"); ok {
		t.Error("expected cache untouched")
	}
}
