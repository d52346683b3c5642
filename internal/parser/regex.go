package parser

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/webstalk-dev/webstalk/internal/config"
	"github.com/webstalk-dev/webstalk/internal/types"
)

// RegexParser extracts data by applying regular expressions to the raw
// response body. Compiled patterns are cached; the cache is lock-guarded
// because one parser instance serves every concurrent pool task.
type RegexParser struct {
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewRegexParser creates a new regex parser.
func NewRegexParser(logger *slog.Logger) *RegexParser {
	return &RegexParser{
		logger: logger.With("component", "regex_parser"),
		cache:  make(map[string]*regexp.Regexp),
	}
}

// Parse implements Parser for regex rules.
func (p *RegexParser) Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error) {
	body := string(resp.Body)
	item := types.NewItem(resp.Request.URLString())
	var errs []string

	for _, rule := range rules {
		if rule.Type != "regex" {
			continue
		}
		re, err := p.compile(rule.Pattern)
		if err != nil {
			errs = append(errs, fmt.Sprintf("rule %q: %v", rule.Name, err))
			continue
		}
		setRuleValue(item, rule, matchAll(re, body))
	}

	var items []*types.Item
	if len(item.Fields) > 0 {
		items = append(items, item)
	}

	if len(errs) > 0 {
		return items, nil, &types.ParseError{
			URL: resp.Request.URLString(),
			Err: fmt.Errorf("regex errors: %s", strings.Join(errs, "; ")),
		}
	}
	return items, nil, nil
}

// matchAll returns what a pattern matched in body: named capture groups if
// the pattern has any, otherwise the first unnamed group, otherwise the full
// matches.
func matchAll(re *regexp.Regexp, body string) []string {
	names := re.SubexpNames()
	named := false
	for _, n := range names {
		if n != "" {
			named = true
			break
		}
	}

	var values []string
	switch {
	case named:
		for _, match := range re.FindAllStringSubmatch(body, -1) {
			for i, n := range names {
				if n != "" && i < len(match) && match[i] != "" {
					values = append(values, match[i])
				}
			}
		}
	case re.NumSubexp() > 0:
		for _, match := range re.FindAllStringSubmatch(body, -1) {
			if len(match) > 1 {
				values = append(values, match[1])
			}
		}
	default:
		values = re.FindAllString(body, -1)
	}
	return values
}

// compile returns a cached compiled pattern, compiling and caching it on
// first use.
func (p *RegexParser) compile(pattern string) (*regexp.Regexp, error) {
	p.mu.RLock()
	re, ok := p.cache[pattern]
	p.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}

	p.mu.Lock()
	p.cache[pattern] = re
	p.mu.Unlock()
	return re, nil
}
