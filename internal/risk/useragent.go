package risk

import (
	"bufio"
	"embed"
	"regexp"
	"strings"
)

//go:embed data/*.txt
var patternData embed.FS

// Compiled bad user-agent patterns, loaded once at init.
var badUserAgents []*regexp.Regexp

func init() {
	badUserAgents = loadRegexFile("data/bad_user_agents.txt")
}

// loadRegexFile reads a file of regex patterns (one per line, # comments) and
// compiles them case-insensitively. Invalid patterns are skipped.
func loadRegexFile(name string) []*regexp.Regexp {
	f, err := patternData.Open(name)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []*regexp.Regexp
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp.Compile("(?i)" + line)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

// AbnormalUserAgent reports an empty user agent or one matching a known
// automation, crawler or scripted-client pattern.
func AbnormalUserAgent(ua string) bool {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return true
	}
	for _, re := range badUserAgents {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

// PatternCount returns the number of loaded user-agent patterns for logging.
func PatternCount() int {
	return len(badUserAgents)
}
