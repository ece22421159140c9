package propagation

import (
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Carrier is the header map of one outgoing call, whatever the transport.
type Carrier interface {
	// Get returns the first value stored under key, matched
	// case-insensitively.
	Get(key string) string
	// Set replaces every value stored under key.
	Set(key, value string)
	Keys() []string
}

// HeaderCarrier adapts http.Header for REST, FHIR and SOAP-over-HTTP calls.
type HeaderCarrier http.Header

func (h HeaderCarrier) Get(key string) string { return http.Header(h).Get(key) }

func (h HeaderCarrier) Set(key, value string) { http.Header(h).Set(key, value) }

func (h HeaderCarrier) Keys() []string { return keysOf(h) }

// MapCarrier adapts a plain header map such as the one a SOAP message
// context exposes. Keys are stored as given and matched case-insensitively.
type MapCarrier map[string][]string

func (m MapCarrier) Get(key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (m MapCarrier) Set(key, value string) {
	for k := range m {
		if strings.EqualFold(k, key) {
			delete(m, k)
		}
	}
	m[key] = []string{value}
}

func (m MapCarrier) Keys() []string { return keysOf(m) }

// MetadataCarrier adapts outgoing gRPC metadata. gRPC lowercases keys.
type MetadataCarrier metadata.MD

func (m MetadataCarrier) Get(key string) string {
	if v := metadata.MD(m).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (m MetadataCarrier) Set(key, value string) { metadata.MD(m).Set(key, value) }

func (m MetadataCarrier) Keys() []string { return keysOf(m) }

func keysOf[M ~map[string][]string](m M) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func transportOf(c Carrier) string {
	switch c.(type) {
	case HeaderCarrier:
		return "http"
	case MapCarrier:
		return "soap"
	case MetadataCarrier:
		return "grpc"
	}
	return "other"
}
