package api

import "strings"

// Link-preview fetchers and crawlers follow download links the moment they
// appear in a chat or feed, which would silently burn a single-use session
// before the intended recipient clicks it.
var defaultBotSignatures = []string{
	"bot",
	"crawler",
	"spider",
	"slurp",
	"preview",
	"facebookexternalhit",
	"whatsapp",
	"telegram",
	"discord",
	"slack",
	"skype",
	"embedly",
	"quora link preview",
	"vkshare",
}

// Command-line clients match some signatures above by accident (for example
// a UA mentioning "robot framework"); these tools are how real users script
// downloads, so they are always let through.
var defaultAllowedAgents = []string{
	"curl",
	"wget",
	"httpie",
	"aria2",
	"fetch",
	"powershell",
}

// BotFilter classifies user agents so automated link fetchers cannot consume
// single-use download sessions.
type BotFilter struct {
	signatures []string
	allowed    []string
}

// NewBotFilter constructs a filter with the default signature and allow
// lists.
func NewBotFilter() *BotFilter {
	return &BotFilter{
		signatures: defaultBotSignatures,
		allowed:    defaultAllowedAgents,
	}
}

// NewBotFilterWithLists constructs a filter with custom lists; empty slices
// fall back to the defaults.
func NewBotFilterWithLists(signatures, allowed []string) *BotFilter {
	filter := NewBotFilter()
	if len(signatures) > 0 {
		filter.signatures = signatures
	}
	if len(allowed) > 0 {
		filter.allowed = allowed
	}
	return filter
}

// Blocked reports whether the user agent is an automated client outside the
// allow-list. An empty user agent passes; plenty of legitimate minimal
// clients send none.
func (f *BotFilter) Blocked(userAgent string) bool {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return false
	}
	for _, agent := range f.allowed {
		if strings.Contains(ua, agent) {
			return false
		}
	}
	for _, signature := range f.signatures {
		if strings.Contains(ua, signature) {
			return true
		}
	}
	return false
}
