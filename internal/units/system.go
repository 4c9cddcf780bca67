package units

var imperialOf = map[string]string{
	"K":    "°F",
	"°C":   "°F",
	"mm":   "in",
	"cm":   "in",
	"m":    "ft",
	"km":   "mi",
	"m/s":  "mph",
	"km/h": "mph",
	"kn":   "mph",
	"Pa":   "inHg",
	"hPa":  "inHg",
	"kPa":  "inHg",
	"mmHg": "inHg",
}

var metricOf = map[string]string{
	"K":    "°C",
	"°F":   "°C",
	"in":   "mm",
	"ft":   "m",
	"mi":   "km",
	"mph":  "km/h",
	"kn":   "km/h",
	"inHg": "hPa",
	"mmHg": "hPa",
	"Pa":   "hPa",
}

func counterpart(symbol string, system System) string {
	table := metricOf
	if system == Imperial {
		table = imperialOf
	}
	if c, ok := table[symbol]; ok {
		return c
	}
	return symbol
}

// In expresses m in the preferred unit of system. Units with no counterpart,
// and the Source system, leave m unchanged.
func (m Measurement) In(system System) Measurement {
	if system == Source || system == "" {
		return m
	}
	s, err := parse(m.Unit)
	if err != nil {
		return m
	}
	target := counterpart(s.num.Symbol, system)
	if s.den != nil {
		target += "/" + counterpart(s.den.Symbol, system)
	}
	c, err := m.Convert(target)
	if err != nil {
		return m
	}
	return c
}
