package runner

import (
	"regexp"
	"strings"
)

// tokenPattern matches a double-quoted group or a run of non-space characters.
var tokenPattern = regexp.MustCompile(`"[^"]+"|[^\s]+`)

// Tokenize splits raw on whitespace, keeping double-quoted groups together
// and stripping one leading and one trailing quote from each token.
//
//	Tokenize(`AAPL "BRK A" MSFT`) // ["AAPL", "BRK A", "MSFT"]
func Tokenize(raw string) []string {
	matches := tokenPattern.FindAllString(raw, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimPrefix(m, `"`)
		m = strings.TrimSuffix(m, `"`)
		out = append(out, m)
	}
	return out
}
