// Package queryparam implements a small typed query-parameter map: parsed
// once per request, merged once against a configured service URL.
package queryparam

import (
	"net/url"
	"strings"
)

// Map is an ordered set of query parameters: order is preserved because
// override-merge must replace same-named parameters in their original
// positions and append unrecognized ones at the end.
type Map struct {
	order  []string
	values map[string][]string
}

// Parse parses a raw query string (without the leading '?') into a Map.
func Parse(raw string) (*Map, error) {
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	m := &Map{values: make(map[string][]string, len(vals))}
	// url.ParseQuery does not preserve original key order (it's backed by a
	// map), so we recover order by re-splitting the raw string ourselves.
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		k, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		if _, seen := m.values[k]; !seen {
			m.order = append(m.order, k)
		}
	}
	for k, v := range vals {
		m.values[k] = v
	}
	return m, nil
}

// Get returns the first value for key, and whether key was present at all.
func (m *Map) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	vs, ok := m.values[key]
	if !ok || len(vs) == 0 {
		return "", ok
	}
	return vs[0], true
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.values[key]
	return ok
}

// Keys returns parameter keys in first-seen order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.order...)
}

// Set assigns key to a single value, appending to order if key is new.
func (m *Map) Set(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.order = append(m.order, key)
	}
	m.values[key] = []string{value}
}

// OverrideMerge merges override into base: parameters present in override
// replace same-named parameters in base in base's original positions;
// parameters in override not present in base are appended in override's
// order. The configured service URL (base) is never reordered by its own
// keys; only replacement values and appended new keys change.
func OverrideMerge(base, override *Map) *Map {
	result := &Map{values: make(map[string][]string)}
	if base != nil {
		for _, k := range base.order {
			result.order = append(result.order, k)
			result.values[k] = base.values[k]
		}
	}
	if override == nil {
		return result
	}
	for _, k := range override.order {
		if _, existed := result.values[k]; !existed {
			result.order = append(result.order, k)
		}
		result.values[k] = override.values[k]
	}
	return result
}

// Encode renders the map back to a query string in key order, suitable for
// building the outbound RTSP/HTTP-proxy upstream URL after override-merge.
func (m *Map) Encode() string {
	if m == nil || len(m.order) == 0 {
		return ""
	}
	var b strings.Builder
	for i, k := range m.order {
		if i > 0 {
			b.WriteByte('&')
		}
		vs := m.values[k]
		v := ""
		if len(vs) > 0 {
			v = vs[0]
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String()
}
