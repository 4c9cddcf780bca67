package observation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/levity-data/internal/translator"
)

var defaultLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ExtractTimestamp locates the time field of payload, converts it and returns it
// in UTC. With extract set the field is removed from payload. The zone for naive
// times comes from the translator, then a timezone field in the payload, then env.
func ExtractTimestamp(payload map[string]any, tr *translator.Translator, env Env, extract bool) (time.Time, error) {
	env = env.withDefaults()
	field, err := tr.FindKey(translator.TimeKey, payload)
	if err != nil {
		return time.Time{}, err
	}
	raw := payload[field]
	if extract {
		delete(payload, field)
	}

	md := tr.Metadata(field)
	if md.Key != translator.TimeKey {
		if timeMD, ok := tr.Get(translator.TimeKey); ok {
			md = *timeMD
		}
	}
	t, err := parseTime(raw, md.Format, zoneFor(payload, tr, md, env))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func zoneFor(payload map[string]any, tr *translator.Translator, md translator.Metadata, env Env) *time.Location {
	name := ""
	if md.TZ != "" {
		if v, ok := payload[md.TZ]; ok {
			name = fmt.Sprint(v)
		} else {
			name = md.TZ
		}
	} else if field, err := tr.TimezoneField(payload); err == nil {
		name = fmt.Sprint(payload[field])
	}
	if name == "" {
		return env.TZ
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warnf("unknown timezone %q, using %s", name, env.TZ)
		return env.TZ
	}
	return loc
}

func parseTime(raw any, formats []string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	millis := len(formats) > 0 && formats[0] == "epochms"

	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return epoch(f, millis).In(loc), nil
	case string:
		s := strings.TrimSpace(v)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f, millis).In(loc), nil
		}
		layouts := defaultLayouts
		if len(formats) > 0 && formats[0] != "epoch" && formats[0] != "iso" {
			layouts = formats
		}
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	if f, ok := number(raw); ok {
		return epoch(f, millis).In(loc), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", raw)
}

// epoch treats values beyond year 5138 in seconds as milliseconds.
func epoch(f float64, millis bool) time.Time {
	if millis || math.Abs(f) > 1e11 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// roundToPeriod floors t to a multiple of |period| measured from local midnight.
// Periods over a day floor to whole days.
func roundToPeriod(t time.Time, period time.Duration, loc *time.Location) time.Time {
	if period < 0 {
		period = -period
	}
	if period <= time.Second {
		return t
	}
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if period >= 24*time.Hour {
		return midnight.UTC()
	}
	offset := local.Sub(midnight).Truncate(period)
	return midnight.Add(offset).UTC()
}
