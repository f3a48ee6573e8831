package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/harmlens/backend/internal/domain"
)

// trackingParams never affect which product a URL points to
var trackingParams = map[string]bool{
	"ref": true, "ref_": true, "tag": true, "psc": true, "th": true,
	"qid": true, "sr": true, "keywords": true, "crid": true, "sprefix": true,
	"content-id": true, "spm": true, "gclid": true, "fbclid": true, "msclkid": true,
	"dclid": true, "_encoding": true, "smid": true, "linkcode": true, "linkid": true,
	"camp": true, "creative": true, "creativeasin": true, "ascsubtag": true, "social_share": true,
	"athcpid": true, "athpgid": true, "athznid": true, "athieid": true, "athstdata": true,
	"from": true, "source": true, "mc_cid": true, "mc_eid": true,
	"igshid": true, "si": true, "ved": true, "ei": true, "srsltid": true,
	"sessionid": true, "clickid": true, "affiliate": true, "click_id": true,
}

// trackingPrefixes cover parameter families like utm_source, pd_rd_w
var trackingPrefixes = []string{"utm_", "pd_rd_", "pf_rd_", "_hs", "hsa_"}

// amazonRefSegment matches the "/ref=..." path suffix Amazon appends to product links
var amazonRefSegment = regexp.MustCompile(`/ref=[^/]*$`)

// NormalizeProductURL canonicalises a product URL so that links to the same
// product collide: scheme and host lowercased, default ports, fragments,
// tracking parameters and trailing slashes removed, remaining query sorted.
func NormalizeProductURL(raw string) (string, error) {
	u, err := ParseProductURL(raw)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	path := amazonRefSegment.ReplaceAllString(u.EscapedPath(), "")
	path = strings.TrimRight(path, "/")
	u.RawPath = ""
	u.Path, err = url.PathUnescape(path)
	if err != nil {
		u.Path = path
	}

	query := u.Query()
	kept := url.Values{}
	for key, values := range query {
		if isTrackingParam(key) {
			continue
		}
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		kept[key] = sorted
	}
	// Encode sorts by key
	u.RawQuery = kept.Encode()

	return u.String(), nil
}

// URLHash returns the cache key of a product URL: hex SHA-256 of its normalized form
func URLHash(raw string) (string, error) {
	normalized, err := NormalizeProductURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// ParseProductURL accepts only absolute http(s) URLs with a host
func ParseProductURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", domain.ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", domain.ErrInvalidURL, raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidURL, u.Scheme)
	}
	return u, nil
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if trackingParams[k] {
		return true
	}
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
