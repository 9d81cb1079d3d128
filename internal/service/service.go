// Package service models the normalized request target: a parsed,
// immutable description of one upstream channel, independent of how it was
// discovered (inline config, external M3U, or a dynamic URL).
package service

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/stackia/rtp2httpd-sub003/internal/queryparam"
)

// Variant identifies the upstream transport family.
type Variant int

const (
	VariantMRTP Variant = iota // multicast RTP/UDP
	VariantRTSP
	VariantHTTPProxy
)

func (v Variant) String() string {
	switch v {
	case VariantMRTP:
		return "MRTP"
	case VariantRTSP:
		return "RTSP"
	case VariantHTTPProxy:
		return "HTTP-proxy"
	default:
		return "unknown"
	}
}

// FCCFlavor distinguishes the two fast-channel-change wire dialects.
type FCCFlavor int

const (
	FCCNone FCCFlavor = iota
	FCCTelecom
	FCCHuawei
)

func (f FCCFlavor) String() string {
	switch f {
	case FCCTelecom:
		return "telecom"
	case FCCHuawei:
		return "huawei"
	default:
		return "none"
	}
}

// Origin records where a Descriptor was discovered.
type Origin int

const (
	OriginInlineConfig Origin = iota
	OriginExternalM3U
	OriginDynamicFromURL
)

// SeekParam is the signed time-shift offset parameter named in a request,
// e.g. playseek=20250101100000-20250101110000 or r2h-seek-offset=-30.
type SeekParam struct {
	Name         string // "playseek", "tvdr", or the explicit r2h-seek-name
	Value        string // raw token/token-pair, untranslated
	OffsetSecond int    // r2h-seek-offset, applied to both ends at translate time
}

// Descriptor is the immutable, parsed request target: created at parse
// time, never mutated afterwards. An inline Descriptor is retained in
// Registry for process lifetime; a dynamic one is owned by exactly one
// connection and falls out of scope when it closes.
type Descriptor struct {
	Variant Variant
	Origin  Origin

	// MRTP / RTSP host addressing.
	GroupAddr string // resolved multicast or RTSP/HTTP host, "ip:port"
	SourceSSM string // optional source-specific multicast address, the <src> of "@<src>"

	// RawUDP marks a /udp/ target: datagrams carry bare MPEG-TS with no
	// RTP framing, so the ingress forwards payloads verbatim instead of
	// running the RTP validator and sequence tracker.
	RawUDP bool

	// FCC.
	FCCServer string // "ip:port", empty if FCC not requested
	FCCFlavor FCCFlavor
	FECPort   int // 0 if unset

	// RTSP / HTTP-proxy path.
	Path string // e.g. "/ch01"

	Seek *SeekParam // nil if no time-shift requested

	// SourceURL is the literal request path this descriptor was derived
	// from, used as the status table's "service url" field.
	SourceURL string

	// Query is the descriptor's own originally-configured query parameters
	// (nil for a Descriptor built by hand, e.g. in tests). ApplyOverride
	// merges a request's query against this map key-by-key rather than
	// gating each field on the request alone.
	Query *queryparam.Map
}

// ParseDynamic parses the open dynamic routes:
// "/rtp/<ip>:<port>[@<src>][?fcc=...]", "/udp/<ip>:<port>",
// "/rtsp/<host>:<port>/<path>?...", "/http/<host>:<port>/<path>". path is the
// request path with the leading route prefix already stripped by the caller
// (e.g. "239.1.1.1:5000" for an /rtp/ request), q is the already-parsed query
// string, and fullURL is the original request path+query for SourceURL.
func ParseDynamic(route, path string, q *queryparam.Map, fullURL string) (*Descriptor, error) {
	d := &Descriptor{Origin: OriginDynamicFromURL, SourceURL: fullURL, Query: q}

	switch route {
	case "rtp", "udp":
		d.Variant = VariantMRTP
		addr, src, err := splitSSM(path)
		if err != nil {
			return nil, fmt.Errorf("service: %s: %w", route, err)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("service: %s: bad group address %q: %w", route, addr, err)
		}
		d.GroupAddr = addr
		d.SourceSSM = src
		d.RawUDP = route == "udp"
		if route == "rtp" {
			if fcc, ok := q.Get("fcc"); ok && fcc != "" {
				if _, _, err := net.SplitHostPort(fcc); err != nil {
					return nil, fmt.Errorf("service: bad fcc endpoint %q: %w", fcc, err)
				}
				d.FCCServer = fcc
				d.FCCFlavor = parseFlavor(q, fcc)
			}
			if fec, ok := q.Get("fec"); ok && fec != "" {
				n, err := strconv.Atoi(fec)
				if err != nil {
					return nil, fmt.Errorf("service: bad fec port %q: %w", fec, err)
				}
				d.FECPort = n
			}
		}
		return d, nil

	case "rtsp":
		d.Variant = VariantRTSP
		host, rest, err := splitHostAndPath(path)
		if err != nil {
			return nil, fmt.Errorf("service: rtsp: %w", err)
		}
		d.GroupAddr = host
		d.Path = rest
		d.Seek = parseSeek(q)
		return d, nil

	case "http":
		d.Variant = VariantHTTPProxy
		host, rest, err := splitHostAndPath(path)
		if err != nil {
			return nil, fmt.Errorf("service: http: %w", err)
		}
		d.GroupAddr = host
		d.Path = rest
		return d, nil
	}

	return nil, fmt.Errorf("service: unknown dynamic route %q", route)
}

// ParseInline parses one "<scheme>://<rest>" service URL of the kind an
// inline config entry supplies, the same scheme vocabulary ParseDynamic
// accepts ("rtp", "udp", "rtsp", "http"), and returns the Descriptor to
// register under the caller's chosen path. An external playlist importer
// would call this once per entry; the --service flag calls it directly so
// a minimal inline list can be supplied on the command line.
func ParseInline(serviceURL string) (*Descriptor, error) {
	i := strings.Index(serviceURL, "://")
	if i < 0 {
		return nil, fmt.Errorf("service: inline url %q missing scheme", serviceURL)
	}
	route, rest := serviceURL[:i], serviceURL[i+3:]

	path, rawQuery := rest, ""
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		path, rawQuery = rest[:q], rest[q+1:]
	}

	qmap, err := queryparam.Parse(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("service: inline url %q: bad query: %w", serviceURL, err)
	}
	return ParseDynamic(route, path, qmap, serviceURL)
}

// parseFlavor resolves the FCC dialect: explicit fcc-type query parameter
// first, then port-based inference. Inference has no universal rule in the
// wild; the convention here is that odd-numbered FCC ports are
// Huawei-flavored, matching the deployments this gateway targets.
func parseFlavor(q *queryparam.Map, fccAddr string) FCCFlavor {
	if v, ok := q.Get("fcc-type"); ok {
		switch strings.ToLower(v) {
		case "telecom":
			return FCCTelecom
		case "huawei":
			return FCCHuawei
		}
	}
	_, portStr, err := net.SplitHostPort(fccAddr)
	if err != nil {
		return FCCTelecom
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return FCCTelecom
	}
	if port%2 == 1 {
		return FCCHuawei
	}
	return FCCTelecom
}

// parseSeek recognizes playseek, tvdr, and the explicit r2h-seek-name /
// r2h-seek-offset pair.
func parseSeek(q *queryparam.Map) *SeekParam {
	if v, ok := q.Get("playseek"); ok {
		return &SeekParam{Name: "playseek", Value: v}
	}
	if v, ok := q.Get("tvdr"); ok {
		return &SeekParam{Name: "tvdr", Value: v}
	}
	if name, ok := q.Get("r2h-seek-name"); ok {
		sp := &SeekParam{Name: name}
		if v, ok := q.Get(name); ok {
			sp.Value = v
		}
		if v, ok := q.Get("r2h-seek-offset"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				sp.OffsetSecond = n
			}
		}
		return sp
	}
	return nil
}

// ApplyOverride returns a copy of d with its query-derived fields (FCC
// endpoint/flavor, FEC port, time-shift seek) recomputed from the full
// key-by-key merge of d's own configured query and the request's query:
// request params replace same-named configured params in place,
// unrecognized request params append. The fields below are re-derived
// from the merged map the same way ParseDynamic derives them from a fresh
// parse, so overriding a single sub-parameter (only fcc-type, or only
// r2h-seek-offset) takes effect even when the other half of the pair came
// from the configured URL rather than the request.
func ApplyOverride(d *Descriptor, reqQuery *queryparam.Map) *Descriptor {
	merged := queryparam.OverrideMerge(d.Query, reqQuery)
	out := *d
	out.Query = merged
	switch d.Variant {
	case VariantMRTP:
		out.FCCServer = ""
		out.FCCFlavor = FCCNone
		out.FECPort = 0
		if fcc, ok := merged.Get("fcc"); ok && fcc != "" {
			out.FCCServer = fcc
			out.FCCFlavor = parseFlavor(merged, fcc)
		}
		if fec, ok := merged.Get("fec"); ok && fec != "" {
			if n, err := strconv.Atoi(fec); err == nil {
				out.FECPort = n
			}
		}
	case VariantRTSP:
		out.Seek = parseSeek(merged)
	}
	return &out
}

// splitSSM splits "ip:port@src" into ("ip:port", "src").
func splitSSM(s string) (addr, src string, err error) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:], nil
	}
	return s, "", nil
}

// splitHostAndPath splits "host:port/path..." into ("host:port", "/path...").
func splitHostAndPath(s string) (host, path string, err error) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return s, "", nil
	}
	host = s[:i]
	path = s[i:]
	if _, _, err := net.SplitHostPort(host); err != nil {
		return "", "", fmt.Errorf("bad host %q: %w", host, err)
	}
	return host, path, nil
}

// Registry indexes inline (config-loaded) Descriptors by their configured
// URL for the life of the process. It is populated once at startup and
// never mutated afterwards, so lookups need no lock.
type Registry struct {
	byURL map[string]*Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byURL: make(map[string]*Descriptor)}
}

// Add registers an inline service under url.
func (r *Registry) Add(url string, d *Descriptor) {
	d.Origin = OriginInlineConfig
	r.byURL[url] = d
}

// Lookup returns the configured Descriptor for url, or nil.
func (r *Registry) Lookup(url string) *Descriptor {
	return r.byURL[url]
}
