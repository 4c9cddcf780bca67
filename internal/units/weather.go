package units

import (
	"fmt"
	"math"
)

// Dewpoint uses the Magnus approximation. humidity is relative humidity in percent.
func Dewpoint(temperature Measurement, humidity float64) (Measurement, error) {
	if humidity <= 0 || humidity > 100 {
		return Measurement{}, fmt.Errorf("relative humidity out of range: %v", humidity)
	}
	c, err := temperature.Convert("°C")
	if err != nil {
		return Measurement{}, err
	}
	const a, b = 17.62, 243.12
	gamma := math.Log(humidity/100) + a*c.Value/(b+c.Value)
	dp := Measurement{Value: b * gamma / (a - gamma), Unit: "°C"}
	return dp.Convert(temperature.Unit)
}

// HeatIndex implements the NWS Rothfusz regression with its low-humidity and
// high-humidity adjustments.
func HeatIndex(temperature Measurement, humidity float64) (Measurement, error) {
	f, err := temperature.Convert("°F")
	if err != nil {
		return Measurement{}, err
	}
	t, rh := f.Value, humidity

	hi := 0.5 * (t + 61.0 + (t-68.0)*1.2 + rh*0.094)
	if (hi+t)/2 >= 80 {
		hi = -42.379 + 2.04901523*t + 10.14333127*rh -
			0.22475541*t*rh - 0.00683783*t*t -
			0.05481717*rh*rh + 0.00122874*t*t*rh +
			0.00085282*t*rh*rh - 0.00000199*t*t*rh*rh
		switch {
		case rh < 13 && t >= 80 && t <= 112:
			hi -= ((13 - rh) / 4) * math.Sqrt((17-math.Abs(t-95))/17)
		case rh > 85 && t >= 80 && t <= 87:
			hi += ((rh - 85) / 10) * ((87 - t) / 5)
		}
	}
	return Measurement{Value: hi, Unit: "°F"}.Convert(temperature.Unit)
}

// WindChill implements the NWS formula. Outside its validity range (above 50°F or
// below 3 mph) the air temperature is returned.
func WindChill(temperature, wind Measurement) (Measurement, error) {
	f, err := temperature.Convert("°F")
	if err != nil {
		return Measurement{}, err
	}
	mph, err := wind.Convert("mph")
	if err != nil {
		return Measurement{}, err
	}
	t, v := f.Value, mph.Value
	if t > 50 || v < 3 {
		return temperature, nil
	}
	pv := math.Pow(v, 0.16)
	wc := 35.74 + 0.6215*t - 35.75*pv + 0.4275*t*pv
	return Measurement{Value: wc, Unit: "°F"}.Convert(temperature.Unit)
}

// FeelsLike picks heat index above 80°F with humidity over 40%, wind chill below
// 50°F when one is given, and the air temperature otherwise.
func FeelsLike(temperature Measurement, humidity float64, heatIndex, windChill *Measurement) (Measurement, error) {
	f, err := temperature.Convert("°F")
	if err != nil {
		return Measurement{}, err
	}
	switch {
	case f.Value > 80 && humidity > 40 && heatIndex != nil:
		return heatIndex.Convert(temperature.Unit)
	case f.Value < 50 && windChill != nil:
		return windChill.Convert(temperature.Unit)
	}
	return temperature, nil
}
