// Time-shift token grammar and the `Range: clock=<begin>-<end>` emission
// rule for catch-up PLAY requests.
package rtsp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	epochTokenRe = regexp.MustCompile(`^[0-9]{1,10}$`)
	localTokenRe = regexp.MustCompile(`^[0-9]{14}$`)
)

const localTokenLayout = "20060102150405"
const clockLayout = "20060102T150405Z"

// parseToken parses one time-shift token: a Unix epoch in seconds (<=10
// digits) or a local time yyyyMMddHHmmss (exactly 14 digits), the latter
// interpreted against tzOffset.
func parseToken(token string, tzOffset time.Duration) (time.Time, error) {
	switch {
	case localTokenRe.MatchString(token):
		t, err := time.Parse(localTokenLayout, token)
		if err != nil {
			return time.Time{}, fmt.Errorf("rtsp: bad local time token %q: %w", token, err)
		}
		return t.Add(-tzOffset).UTC(), nil
	case epochTokenRe.MatchString(token):
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("rtsp: bad epoch token %q: %w", token, err)
		}
		return time.Unix(n, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("rtsp: malformed seek token %q", token)
	}
}

// TranslateSeek translates a request-level seek value for the PLAY Range
// header: a token or token-pair separated by '-' becomes
// "clock=<begin-utc>-<end-utc>" with each instant formatted
// yyyyMMddTHHmmssZ, after applying tzOffset and the optional signed
// offsetSeconds to both ends. Values containing {begin}/{end} placeholders
// (playlist templates too varied to parse) are forwarded verbatim,
// unparsed, as the wire clock range.
func TranslateSeek(value string, offsetSeconds int, tzOffset time.Duration) (string, error) {
	if strings.Contains(value, "{begin}") || strings.Contains(value, "{end}") {
		return "clock=" + value, nil
	}

	begin, end, hasEnd := strings.Cut(value, "-")
	beginT, err := parseToken(begin, tzOffset)
	if err != nil {
		return "", err
	}
	beginT = beginT.Add(time.Duration(offsetSeconds) * time.Second)

	if !hasEnd || end == "" {
		return fmt.Sprintf("clock=%s-", beginT.Format(clockLayout)), nil
	}

	endT, err := parseToken(end, tzOffset)
	if err != nil {
		return "", err
	}
	endT = endT.Add(time.Duration(offsetSeconds) * time.Second)

	return fmt.Sprintf("clock=%s-%s", beginT.Format(clockLayout), endT.Format(clockLayout)), nil
}

// shiftToken re-renders token shifted by offsetSeconds, preserving its
// original grammar (epoch stays epoch, local time stays local time against
// tzOffset). Shifting by a zero offset any number of times yields the same
// token.
func shiftToken(token string, offsetSeconds int, tzOffset time.Duration) (string, error) {
	t, err := parseToken(token, tzOffset)
	if err != nil {
		return "", err
	}
	t = t.Add(time.Duration(offsetSeconds) * time.Second)
	if localTokenRe.MatchString(token) {
		return t.Add(tzOffset).Format(localTokenLayout), nil
	}
	return strconv.FormatInt(t.Unix(), 10), nil
}
