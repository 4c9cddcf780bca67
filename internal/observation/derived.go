package observation

import (
	"time"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/timeseries"
	"github.com/i474232898/levity-data/internal/units"
)

// Well-known keys used to derive missing quantities.
var (
	KeyTemperature = category.MustParse("environment.temperature.temperature")
	KeyHumidity    = category.MustParse("environment.humidity.humidity")
	KeyDewpoint    = category.MustParse("environment.temperature.dewpoint")
	KeyHeatIndex   = category.MustParse("environment.temperature.heatIndex")
	KeyWindChill   = category.MustParse("environment.temperature.windChill")
	KeyFeelsLike   = category.MustParse("environment.temperature.feelsLike")
	KeyWindSpeed   = category.MustParse("environment.wind.speed.speed")

	KeyIndoorTemperature = category.MustParse("indoor.temperature.temperature")
	KeyIndoorHumidity    = category.MustParse("indoor.humidity.humidity")
	KeyIndoorDewpoint    = category.MustParse("indoor.temperature.dewpoint")
	KeyIndoorHeatIndex   = category.MustParse("indoor.temperature.heatIndex")

	KeyPrecipitation             = category.MustParse("environment.precipitation.precipitation")
	KeyPrecipitationAccumulation = category.MustParse("environment.precipitation.accumulation")
)

// windAverage is the trailing window applied to recorded wind speed for wind chill.
const windAverage = 5 * time.Minute

// CalculateMissing fills in derived quantities the payload did not carry.
func (o *Observation) CalculateMissing() error {
	o.mu.Lock()
	touched := o.calculateMissingLocked()
	o.mu.Unlock()
	o.publish(touched...)
	return nil
}

type group struct {
	temperature, humidity, dewpoint, heatIndex category.Item
	windChill, feelsLike, windSpeed            category.Item
}

var (
	outdoor = group{
		temperature: KeyTemperature,
		humidity:    KeyHumidity,
		dewpoint:    KeyDewpoint,
		heatIndex:   KeyHeatIndex,
		windChill:   KeyWindChill,
		feelsLike:   KeyFeelsLike,
		windSpeed:   KeyWindSpeed,
	}
	indoor = group{
		temperature: KeyIndoorTemperature,
		humidity:    KeyIndoorHumidity,
		dewpoint:    KeyIndoorDewpoint,
		heatIndex:   KeyIndoorHeatIndex,
	}
)

// calculateMissingLocked runs one derivation pass. Keys derived by an earlier pass
// are not treated as received, so they are recomputed from fresh inputs.
func (o *Observation) calculateMissingLocked() []category.Item {
	received := make(map[category.Item]*Value, len(o.values))
	for k, v := range o.values {
		if _, derived := o.calculated[k.Bare()]; !derived {
			received[k.Bare()] = v
		}
	}
	var touched []category.Item
	for _, g := range []group{outdoor, indoor} {
		touched = append(touched, o.deriveGroup(g, received)...)
	}
	return touched
}

func (o *Observation) deriveGroup(g group, received map[category.Item]*Value) []category.Item {
	tv, ok := received[g.temperature]
	if !ok {
		return nil
	}
	temp, ok := tv.Measurement()
	if !ok {
		return nil
	}
	ts := tv.Time()

	var touched []category.Item
	store := func(key category.Item, m units.Measurement) {
		k := key
		if srcs := tv.Key().Sources(); srcs != nil {
			k = k.WithSource(srcs...)
		}
		o.calculated[key] = struct{}{}
		touched = append(touched, o.setLocked(k, k.String(), timeseries.NewItem(m, ts)))
	}

	humidity, hasHumidity := 0.0, false
	if hv, ok := received[g.humidity]; ok {
		humidity, hasHumidity = percent(hv)
	}

	var heatIndex, windChill *units.Measurement
	if hasHumidity {
		if _, given := received[g.dewpoint]; !given {
			if dp, err := units.Dewpoint(temp, humidity); err == nil {
				store(g.dewpoint, dp)
			}
		}
		if hv, given := received[g.heatIndex]; given {
			if m, ok := hv.Measurement(); ok {
				heatIndex = &m
			}
		} else if hi, err := units.HeatIndex(temp, humidity); err == nil {
			store(g.heatIndex, hi)
			heatIndex = &hi
		}
	}

	if g.windChill.IsZero() {
		return touched
	}
	if wv, ok := received[g.windSpeed]; ok {
		if wc, given := received[g.windChill]; given {
			if m, ok := wc.Measurement(); ok {
				windChill = &m
			}
		} else if wind, ok := windMeasurement(wv); ok {
			if wc, err := units.WindChill(temp, wind); err == nil {
				store(g.windChill, wc)
				windChill = &wc
			}
		}
	}

	if _, given := received[g.feelsLike]; !given && (hasHumidity || windChill != nil) {
		if fl, err := units.FeelsLike(temp, humidity, heatIndex, windChill); err == nil {
			store(g.feelsLike, fl)
		}
	}
	return touched
}

func percent(v *Value) (float64, bool) {
	if m, ok := v.Measurement(); ok {
		if m.Unit != "%" {
			return 0, false
		}
		return m.Value, true
	}
	return number(v.Typed())
}

// windMeasurement prefers the trailing average of a recorded wind speed.
func windMeasurement(v *Value) (units.Measurement, bool) {
	if v.Recorded() {
		if avg, ok := v.History().RollingAverage(windAverage); ok {
			if typed, ok := v.convertItem(avg).(units.Measurement); ok {
				return typed, true
			}
		}
	}
	return v.Measurement()
}
