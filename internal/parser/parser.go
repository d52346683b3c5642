package parser

import (
	"github.com/webstalk-dev/webstalk/internal/config"
	"github.com/webstalk-dev/webstalk/internal/types"
)

// Parser extracts data and links from a fetched response.
type Parser interface {
	// Parse extracts items and follow-up URLs from a response.
	// It returns scraped items, discovered links, and any error.
	Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error)
}

// setRuleValue stores what a rule matched onto item: one match stores the
// bare string, several store the slice, none stores nothing. Every rule
// parser funnels its results through this so downstream field shapes stay
// consistent across rule types.
func setRuleValue(item *types.Item, rule config.ParseRule, values []string) {
	switch len(values) {
	case 0:
	case 1:
		item.Set(rule.Name, values[0])
	default:
		item.Set(rule.Name, values)
	}
}
