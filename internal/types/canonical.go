package types

import (
	"net/url"
	"sort"
	"strings"
)

// CanonicalizeURL normalizes a URL into a stable string suitable for use as
// a default UniqueKey:
//   - lowercases scheme and host
//   - removes the fragment
//   - sorts query parameters
//   - removes default ports (80 for http, 443 for https)
//   - removes a trailing slash (except for the root path)
//
// Ported from the engine package's deduplication canonicalizer; it gives the
// request queue, the request list and the CSS parser's link dedup one shared
// notion of "the same URL".
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	}

	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sorted []string
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				sorted = append(sorted, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(sorted, "&")
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}
