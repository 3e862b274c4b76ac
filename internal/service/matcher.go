package service

import (
	"regexp"
	"strings"

	"github.com/blackboxhq/blackbox/internal/config"
)

// StatusMatcher decides whether an outcome should produce an incident at all.
// Exception-class exclusions are checked before status rules and
// short-circuit.
type StatusMatcher struct {
	rules            []config.StatusRule
	ignoreExceptions []string
	ignorePaths      []*regexp.Regexp
}

func NewStatusMatcher(cfg *config.Config) *StatusMatcher {
	return &StatusMatcher{
		rules:            cfg.StatusRules,
		ignoreExceptions: cfg.IgnoreExceptions,
		ignorePaths:      cfg.IgnorePathPatterns(),
	}
}

// ShouldCapture reports whether a response with this status (or an exception,
// which carries status 500 when none is set) is capturable.
func (m *StatusMatcher) ShouldCapture(status int, exceptionClass string) bool {
	if exceptionClass != "" {
		for _, prefix := range m.ignoreExceptions {
			if strings.HasPrefix(exceptionClass, prefix) {
				return false
			}
		}
	}
	for _, rule := range m.rules {
		if rule.Matches(status) {
			return true
		}
	}
	return false
}

// PathIgnored reports whether the request path matches an ignore pattern.
func (m *StatusMatcher) PathIgnored(path string) bool {
	for _, re := range m.ignorePaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
