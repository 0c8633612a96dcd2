package cache

import (
	"regexp"
	"strings"

	"github.com/saiset-co/sai-anime-cache/types"
)

type matcher func(key string) bool

// compilePattern turns a glob with '*' wildcards into an anchored matcher.
// Literal segments are quoted, so only '*' is special. A pattern without
// '*' matches exactly one key.
func compilePattern(pattern string) (matcher, error) {
	if pattern == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	if !strings.Contains(pattern, "*") {
		return func(key string) bool { return key == pattern }, nil
	}

	segments := strings.Split(pattern, "*")
	for i, segment := range segments {
		segments[i] = regexp.QuoteMeta(segment)
	}

	re, err := regexp.Compile("^" + strings.Join(segments, ".*") + "$")
	if err != nil {
		return nil, types.Errorf(types.ErrCachePatternInvalid, "%q: %v", pattern, err)
	}

	return re.MatchString, nil
}
