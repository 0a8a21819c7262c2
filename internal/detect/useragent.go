package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// uaInfo is the browser/OS/mobile evidence L4 attaches to its result. There
// is no UA-parsing library anywhere in the retrieved pack, so this is a
// small regex-based heuristic parser rather than an adapted dependency.
type uaInfo struct {
	Browser        string
	BrowserVersion string
	OS             string
	Mobile         bool
}

var browserPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"Edge", regexp.MustCompile(`Edg(?:e|A|iOS)?/([\d.]+)`)},
	{"Opera", regexp.MustCompile(`OPR/([\d.]+)`)},
	{"Chrome", regexp.MustCompile(`Chrome/([\d.]+)`)},
	{"Firefox", regexp.MustCompile(`Firefox/([\d.]+)`)},
	{"Safari", regexp.MustCompile(`Version/([\d.]+)[^(]*Safari`)},
}

var osPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"Windows", regexp.MustCompile(`Windows NT`)},
	{"iOS", regexp.MustCompile(`iPhone|iPad|iPod`)},
	{"macOS", regexp.MustCompile(`Mac OS X`)},
	{"Android", regexp.MustCompile(`Android`)},
	{"Linux", regexp.MustCompile(`Linux`)},
}

var mobileRe = regexp.MustCompile(`(?i)Mobile|Android|iPhone|iPod`)

// minSupportedMajorVersion is the floor below which a browser is flagged
// outdated. Deliberately conservative; reviewed independently of the
// detection policy weights.
var minSupportedMajorVersion = map[string]int{
	"Chrome":  100,
	"Firefox": 100,
	"Edge":    100,
	"Opera":   80,
	"Safari":  14,
}

func parseUA(ua string) uaInfo {
	info := uaInfo{Mobile: mobileRe.MatchString(ua)}
	for _, bp := range browserPatterns {
		if m := bp.re.FindStringSubmatch(ua); m != nil {
			info.Browser = bp.name
			info.BrowserVersion = m[1]
			break
		}
	}
	for _, op := range osPatterns {
		if op.re.MatchString(ua) {
			info.OS = op.name
			break
		}
	}
	return info
}

func (info uaInfo) outdated() bool {
	if info.Browser == "" || info.BrowserVersion == "" {
		return false
	}
	min, ok := minSupportedMajorVersion[info.Browser]
	if !ok {
		return false
	}
	major := majorVersion(info.BrowserVersion)
	return major > 0 && major < min
}

func majorVersion(v string) int {
	if dot := strings.IndexByte(v, '.'); dot >= 0 {
		v = v[:dot]
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
