// Package magnet decodes and encodes magnet URIs (BEP 9 discovery
// descriptors), including BEP 12 multi-tier trackers, BEP 19 web seeds, and
// BEP 53 file selection.
package magnet

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// InfoHash is the fixed 20-byte SHA-1 identity of a torrent's info
// dictionary.
type InfoHash [sha1.Size]byte

// Hex returns the lowercase hex view of the hash.
func (h InfoHash) Hex() string { return hex.EncodeToString(h[:]) }

func (h InfoHash) String() string { return h.Hex() }

var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ParseInfoHash accepts a 40-character hex string or a 32-character Base32
// (RFC 4648, case-insensitive, no padding) string and returns the decoded
// 20-byte hash.
func ParseInfoHash(s string) (InfoHash, error) {
	var h InfoHash

	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, fmt.Errorf("magnet: invalid hex info-hash: %w", err)
		}
		copy(h[:], b)
		return h, nil
	case 32:
		b, err := base32Encoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, fmt.Errorf("magnet: invalid base32 info-hash: %w", err)
		}
		if len(b) != sha1.Size {
			return h, fmt.Errorf("magnet: base32 info-hash decoded to %d bytes, want 20", len(b))
		}
		copy(h[:], b)
		return h, nil
	default:
		return h, fmt.Errorf("magnet: info-hash must be 40 hex or 32 base32 chars, got %d", len(s))
	}
}

// Descriptor is the structured form of a magnet URI.
type Descriptor struct {
	InfoHash            InfoHash
	DisplayName         string
	ExactLength         *int64
	TrackerTiers        [][]string
	WebSeeds            []string
	AcceptableSources   []string
	SelectedFileIndices []int
}

// Trackers returns the flat, in-order concatenation of TrackerTiers. It is
// always equal to the concatenation of tiers in tier order, by construction.
func (d *Descriptor) Trackers() []string {
	var out []string
	for _, tier := range d.TrackerTiers {
		out = append(out, tier...)
	}
	return out
}

var trackerSchemes = map[string]bool{"http": true, "https": true, "udp": true}
var sourceSchemes = map[string]bool{"http": true, "https": true, "ftp": true}

// Parse decodes a magnet URI into a Descriptor. It returns an error (never a
// panic) for any structurally invalid input; malformed optional sub-fields
// are dropped silently rather than failing the whole parse.
func Parse(text string) (*Descriptor, error) {
	if !strings.HasPrefix(text, "magnet:?") {
		return nil, fmt.Errorf("magnet: uri does not begin with 'magnet:?'")
	}

	u, err := url.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("magnet: uri parse failed: %w", err)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet: query parse failed: %w", err)
	}

	xt := params["xt"]
	if len(xt) == 0 {
		return nil, fmt.Errorf("magnet: missing 'xt'")
	}

	infoHash, err := parseXT(xt[0])
	if err != nil {
		return nil, err
	}

	d := &Descriptor{InfoHash: infoHash}

	if dn := params["dn"]; len(dn) > 0 {
		d.DisplayName = dn[0]
	}

	if xl := params["xl"]; len(xl) > 0 {
		if n, err := strconv.ParseInt(xl[0], 10, 64); err == nil && n >= 0 {
			d.ExactLength = &n
		}
	}

	d.TrackerTiers = parseTiers(params, "tr", trackerSchemes)
	d.WebSeeds = parseAccumulated(params, "ws", sourceSchemes)
	d.AcceptableSources = parseAccumulated(params, "as", sourceSchemes)
	d.SelectedFileIndices = parseFileIndices(params)

	return d, nil
}

func parseXT(xt string) (InfoHash, error) {
	var prefix string
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		prefix = "urn:btih:"
	case strings.HasPrefix(xt, "urn:sha1:"):
		prefix = "urn:sha1:"
	default:
		return InfoHash{}, fmt.Errorf("magnet: 'xt' must start with urn:btih: or urn:sha1:")
	}

	rest := strings.TrimPrefix(xt, prefix)
	if prefix == "urn:sha1:" && len(rest) != 40 {
		return InfoHash{}, fmt.Errorf("magnet: urn:sha1: info-hash must be 40 hex chars")
	}
	return ParseInfoHash(rest)
}

// parseTiers groups a tr/tr.N family of query keys into ordered tiers: tier
// 0 holds the unnumbered values (each further split on ','), followed by the
// tr.N tiers sorted ascending by N.
func parseTiers(params url.Values, baseKey string, allowed map[string]bool) [][]string {
	var tier0 []string
	for _, v := range params[baseKey] {
		for _, piece := range strings.Split(v, ",") {
			tier0 = append(tier0, piece)
		}
	}
	tier0 = filterScheme(tier0, allowed)

	numbered := collectNumberedTiers(params, baseKey+".", allowed)

	var tiers [][]string
	if len(tier0) > 0 {
		tiers = append(tiers, tier0)
	}
	tiers = append(tiers, numbered...)
	return tiers
}

func collectNumberedTiers(params url.Values, prefix string, allowed map[string]bool) [][]string {
	byN := map[int][]string{}
	var ns []int

	for key, vals := range params {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil {
			continue
		}
		if _, seen := byN[n]; !seen {
			ns = append(ns, n)
		}
		for _, v := range vals {
			byN[n] = append(byN[n], strings.Split(v, ",")...)
		}
	}

	sort.Ints(ns)

	var tiers [][]string
	for _, n := range ns {
		filtered := filterScheme(byN[n], allowed)
		if len(filtered) > 0 {
			tiers = append(tiers, filtered)
		}
	}
	return tiers
}

// parseAccumulated handles the ws/ws.N and as/as.N families: unnumbered
// values first (declaration order), then numbered variants ordered by key
// (ascending N), all scheme-filtered and flattened into one list.
func parseAccumulated(params url.Values, baseKey string, allowed map[string]bool) []string {
	var out []string
	out = append(out, params[baseKey]...)

	type numbered struct {
		n   int
		val string
	}
	var extra []numbered
	prefix := baseKey + "."
	for key, vals := range params {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil {
			continue
		}
		for _, v := range vals {
			extra = append(extra, numbered{n, v})
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].n < extra[j].n })
	for _, e := range extra {
		out = append(out, e.val)
	}

	return filterScheme(out, allowed)
}

func parseFileIndices(params url.Values) []int {
	var vals []string
	vals = append(vals, params["so"]...)

	type numbered struct {
		n   int
		val string
	}
	var extra []numbered
	for key, vs := range params {
		if !strings.HasPrefix(key, "so.") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, "so."))
		if err != nil {
			continue
		}
		for _, v := range vs {
			extra = append(extra, numbered{n, v})
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].n < extra[j].n })
	for _, e := range extra {
		vals = append(vals, e.val)
	}

	seen := map[int]bool{}
	var out []int
	for _, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func filterScheme(urls []string, allowed map[string]bool) []string {
	var out []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if !allowed[strings.ToLower(u.Scheme)] {
			continue
		}
		out = append(out, raw)
	}
	return out
}

// ToURI renders d back into a magnet URI. Field order is xt, dn, tr, xl, ws,
// as, so. Tracker tiers are flattened: a descriptor built only from flat
// lists round-trips through Parse(ToURI(d)) to an equal descriptor (modulo
// tier regrouping, since a flat emission always collapses back to tier 0).
func ToURI(d *Descriptor) string {
	var parts []string

	parts = append(parts, "xt="+url.QueryEscape("urn:btih:"+d.InfoHash.Hex()))

	if d.DisplayName != "" {
		parts = append(parts, "dn="+url.QueryEscape(d.DisplayName))
	}
	for _, tr := range d.Trackers() {
		parts = append(parts, "tr="+url.QueryEscape(tr))
	}
	if d.ExactLength != nil {
		parts = append(parts, "xl="+strconv.FormatInt(*d.ExactLength, 10))
	}
	for _, ws := range d.WebSeeds {
		parts = append(parts, "ws="+url.QueryEscape(ws))
	}
	for _, as := range d.AcceptableSources {
		parts = append(parts, "as="+url.QueryEscape(as))
	}
	for _, idx := range d.SelectedFileIndices {
		parts = append(parts, "so="+strconv.Itoa(idx))
	}

	return "magnet:?" + strings.Join(parts, "&")
}
