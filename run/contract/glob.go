package contract

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Match reports whether a constraint path pattern matches path.
//
// Glob semantics, anchored at both ends:
//   - `*`  matches any run of characters excluding `/`
//   - `**` matches any run of characters including `/`
//   - `?`  matches exactly one character
//
// Patterns that fail to compile never match.
func Match(pattern, path string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

var (
	globMu    sync.RWMutex
	globCache = make(map[string]*regexp.Regexp)
)

// compileGlob translates a glob pattern into an anchored regular
// expression. Compiled patterns are cached: constraint patterns are checked
// on every tool call, the hot path of the validator.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	globMu.RLock()
	re, ok := globCache[pattern]
	globMu.RUnlock()
	if ok {
		return re, nil
	}

	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}

	globMu.Lock()
	globCache[pattern] = re
	globMu.Unlock()
	return re, nil
}
