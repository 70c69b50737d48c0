package relay

import (
	"strings"
)

const (
	RejectKindNotAllowed         = "kind_not_allowed"
	RejectIgnoredUsername        = "ignored_username"
	RejectIgnoredUserID          = "ignored_user_id"
	RejectIgnoredKeyword         = "ignored_keyword"
	RejectMissingRequiredKeyword = "missing_required_keyword"
)

// FilterOptions is the plain-data form of a filter configuration.
type FilterOptions struct {
	AllowedKinds     []string
	IgnoredUsers     []string
	IgnoredKeywords  []string
	RequiredKeywords []string
}

// FilterConfig is the normalized, read-only filter configuration used by ShouldForward.
type FilterConfig struct {
	allowedKinds     map[Kind]struct{}
	ignoredUsers     map[string]struct{}
	ignoredKeywords  []string
	requiredKeywords []string
}

// Decision is the outcome of evaluating one message against a FilterConfig.
type Decision struct {
	Forward bool
	Reason  string
	Match   string
}

// NewFilterConfig normalizes filter options. Unknown kinds are returned as an error so
// a typo in config cannot silently block every message.
func NewFilterConfig(opts FilterOptions) (FilterConfig, error) {
	var cfg FilterConfig

	for _, value := range opts.AllowedKinds {
		if strings.TrimSpace(value) == "" {
			continue
		}
		kind, err := ParseKind(value)
		if err != nil {
			return FilterConfig{}, err
		}
		if cfg.allowedKinds == nil {
			cfg.allowedKinds = make(map[Kind]struct{})
		}
		cfg.allowedKinds[kind] = struct{}{}
	}

	for _, value := range opts.IgnoredUsers {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if cfg.ignoredUsers == nil {
			cfg.ignoredUsers = make(map[string]struct{})
		}
		cfg.ignoredUsers[trimmed] = struct{}{}
	}

	cfg.ignoredKeywords = lowerKeywords(opts.IgnoredKeywords)
	cfg.requiredKeywords = lowerKeywords(opts.RequiredKeywords)

	return cfg, nil
}

// IsZero reports whether no filter rule is configured.
func (c FilterConfig) IsZero() bool {
	return len(c.allowedKinds) == 0 &&
		len(c.ignoredUsers) == 0 &&
		len(c.ignoredKeywords) == 0 &&
		len(c.requiredKeywords) == 0
}

// ShouldForward reports whether msg passes every configured filter rule.
func ShouldForward(msg Message, cfg FilterConfig) bool {
	return Decide(msg, cfg).Forward
}

// Decide evaluates the filter rules in order; the first rejecting rule wins.
func Decide(msg Message, cfg FilterConfig) Decision {
	if cfg.IsZero() {
		return Decision{Forward: true}
	}

	if len(cfg.allowedKinds) > 0 {
		if _, ok := cfg.allowedKinds[msg.Kind]; !ok {
			return Decision{Reason: RejectKindNotAllowed, Match: string(msg.Kind)}
		}
	}

	if msg.Username != "" {
		if _, ok := cfg.ignoredUsers[msg.Username]; ok {
			return Decision{Reason: RejectIgnoredUsername, Match: msg.Username}
		}
	}

	if _, ok := cfg.ignoredUsers[msg.UserID]; ok && msg.UserID != "" {
		return Decision{Reason: RejectIgnoredUserID, Match: msg.UserID}
	}

	haystack := strings.ToLower(msg.Text + " " + msg.Caption)
	for _, keyword := range cfg.ignoredKeywords {
		if strings.Contains(haystack, keyword) {
			return Decision{Reason: RejectIgnoredKeyword, Match: keyword}
		}
	}

	if len(cfg.requiredKeywords) > 0 {
		for _, keyword := range cfg.requiredKeywords {
			if strings.Contains(haystack, keyword) {
				return Decision{Forward: true, Match: keyword}
			}
		}
		return Decision{Reason: RejectMissingRequiredKeyword}
	}

	return Decision{Forward: true}
}

func lowerKeywords(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	out := make([]string, 0, len(values))
	for _, value := range values {
		// Keywords are matched as raw substrings, so only empty entries are dropped.
		if value == "" {
			continue
		}
		out = append(out, strings.ToLower(value))
	}
	if len(out) == 0 {
		return nil
	}

	return out
}
