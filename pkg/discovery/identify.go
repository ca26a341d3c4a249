package discovery

import (
	"path"
	"regexp"
	"strings"
	"time"

	"flairstar/pkg/metadata"
	"flairstar/pkg/rules"
)

// uidToken finds UID-like runs such as "1.3.12.2.1107" inside a path component.
var uidToken = regexp.MustCompile(`[0-9]+(?:\.[0-9]+){3,}`)

// timestampSources are tried in order; the first date that parses wins.
var timestampSources = [][2]string{
	{"AcquisitionDate", "AcquisitionTime"},
	{"SeriesDate", "SeriesTime"},
	{"StudyDate", "StudyTime"},
}

var timeLayouts = []string{"150405", "1504", "15"}

// identifierFromRecord returns the series identifier stored in rec.
func identifierFromRecord(rec *metadata.Record) (string, bool) {
	if rec == nil {
		return "", false
	}
	v, ok := rec.TryGet(rules.IdentifierTag)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// identifierFromPath looks for a UID-like token in the components of rel.
// Directories are searched deepest first; the file name comes last because it
// usually carries the instance UID rather than the series UID.
func identifierFromPath(rel string) (string, bool) {
	dir, file := path.Split(rel)
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if tok := uidToken.FindString(parts[i]); tok != "" {
			return tok, true
		}
	}
	stem := strings.TrimSuffix(file, path.Ext(file))
	if tok := uidToken.FindString(stem); tok != "" {
		return tok, true
	}
	return "", false
}

// Timestamp returns the representative time of rec: acquisition, then series,
// then study date and time. A date whose time does not parse still yields a
// date-level timestamp. The zero time means nothing parsed.
func Timestamp(rec *metadata.Record) time.Time {
	if rec == nil {
		return time.Time{}
	}
	for _, src := range timestampSources {
		date, ok := rec.TryGet(src[0])
		if !ok {
			continue
		}
		day, err := time.Parse("20060102", strings.TrimSpace(date))
		if err != nil {
			continue
		}
		clock, _ := rec.TryGet(src[1])
		return combine(day, clock)
	}
	return time.Time{}
}

func combine(day time.Time, clock string) time.Time {
	clock = strings.TrimSpace(clock)
	if i := strings.IndexByte(clock, '.'); i >= 0 {
		clock = clock[:i]
	}
	clock = strings.ReplaceAll(clock, ":", "")
	for _, layout := range timeLayouts {
		if len(clock) != len(layout) {
			continue
		}
		t, err := time.Parse(layout, clock)
		if err != nil {
			break
		}
		return day.Add(time.Duration(t.Hour())*time.Hour +
			time.Duration(t.Minute())*time.Minute +
			time.Duration(t.Second())*time.Second)
	}
	return day
}
