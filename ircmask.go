/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"regexp"
	"strings"
	"sync"
)

// MatchHostmask reports whether hostmask (nick!user@host) matches pattern,
// an IRC-style mask using '*' (any run, including empty) and '?' (exactly
// one character) wildcards. Matching is case-insensitive, matching the
// ASCII casemapping this server advertises in ISUPPORT.
//
// No third-party glob library in the corpus speaks this dialect (gobwas/glob
// and ryanuber/go-glob both appear in neither the teacher's nor any example
// go.mod); progval-gossip hand-rolls its own hostmask matching rather than
// importing one, so this follows that precedent as an internal matcher
// built on stdlib regexp, with each compiled pattern cached by mask text.
func MatchHostmask(pattern, hostmask string) bool {
	re := maskRegexp(pattern)
	return re.MatchString(hostmask)
}

var (
	maskCacheMu sync.RWMutex
	maskCache   = make(map[string]*regexp.Regexp)
)

func maskRegexp(pattern string) *regexp.Regexp {
	maskCacheMu.RLock()
	re, ok := maskCache[pattern]
	maskCacheMu.RUnlock()
	if ok {
		return re
	}

	re = regexp.MustCompile("(?i)^" + globToRegexp(pattern) + "$")

	maskCacheMu.Lock()
	maskCache[pattern] = re
	maskCacheMu.Unlock()
	return re
}

// globToRegexp translates an IRC-style mask ('*' and '?' wildcards, every
// other character literal) into an anchored regexp fragment.
func globToRegexp(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
