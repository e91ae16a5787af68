package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadTemplate = errors.New("topology: bad host template")

// Compress packs an ordered host list into a template such as
// "node[001-004,007],login1". Order is preserved, so rank i is still the
// i-th host after Expand.
func Compress(hosts []string) string {
	var parts []string
	for i := 0; i < len(hosts); {
		prefix, num, width, ok := splitNumeric(hosts[i])
		if !ok {
			parts = append(parts, hosts[i])
			i++
			continue
		}
		var ranges []string
		lo, hi := num, num
		j := i + 1
		for ; j < len(hosts); j++ {
			p, n, w, ok := splitNumeric(hosts[j])
			if !ok || p != prefix || w != width {
				break
			}
			if n == hi+1 {
				hi = n
				continue
			}
			ranges = append(ranges, fmtRange(lo, hi, width))
			lo, hi = n, n
		}
		ranges = append(ranges, fmtRange(lo, hi, width))
		if j == i+1 {
			parts = append(parts, hosts[i])
		} else {
			parts = append(parts, prefix+"["+strings.Join(ranges, ",")+"]")
		}
		i = j
	}
	return strings.Join(parts, ",")
}

func fmtRange(lo, hi, width int) string {
	if lo == hi {
		return pad(lo, width)
	}
	return pad(lo, width) + "-" + pad(hi, width)
}

func pad(n, width int) string {
	return fmt.Sprintf("%0*d", width, n)
}

// splitNumeric splits "node007" into ("node", 7, 3).
func splitNumeric(h string) (prefix string, num, width int, ok bool) {
	i := len(h)
	for i > 0 && h[i-1] >= '0' && h[i-1] <= '9' {
		i--
	}
	if i == len(h) || len(h)-i > 9 {
		return "", 0, 0, false
	}
	n, err := strconv.Atoi(h[i:])
	if err != nil {
		return "", 0, 0, false
	}
	return h[:i], n, len(h) - i, true
}

// Expand reverses Compress. Zero padding of range bounds is preserved.
func Expand(tmpl string) ([]string, error) {
	if tmpl == "" {
		return nil, nil
	}
	var out []string
	for _, part := range splitTop(tmpl) {
		if part == "" {
			return nil, fmt.Errorf("%w: empty host in %q", ErrBadTemplate, tmpl)
		}
		open := strings.IndexByte(part, '[')
		if open < 0 {
			if strings.ContainsRune(part, ']') {
				return nil, fmt.Errorf("%w: %q", ErrBadTemplate, part)
			}
			out = append(out, part)
			continue
		}
		close := strings.IndexByte(part, ']')
		if close < open {
			return nil, fmt.Errorf("%w: %q", ErrBadTemplate, part)
		}
		prefix, body, suffix := part[:open], part[open+1:close], part[close+1:]
		for _, r := range strings.Split(body, ",") {
			lo, hi, width, err := parseRange(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrBadTemplate, part, err)
			}
			for n := lo; n <= hi; n++ {
				out = append(out, prefix+pad(n, width)+suffix)
			}
		}
	}
	return out, nil
}

// splitTop splits on commas outside brackets.
func splitTop(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func parseRange(r string) (lo, hi, width int, err error) {
	a, b, isRange := strings.Cut(r, "-")
	if lo, err = strconv.Atoi(a); err != nil {
		return 0, 0, 0, err
	}
	width = len(a)
	hi = lo
	if isRange {
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, 0, 0, err
		}
	}
	if hi < lo || lo < 0 {
		return 0, 0, 0, fmt.Errorf("range %q", r)
	}
	return lo, hi, width, nil
}
