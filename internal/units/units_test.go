package units

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertTemperature(t *testing.T) {
	c := Must(25, "C")
	assert.Equal(t, "°C", c.Unit)

	f, err := c.Convert("°F")
	require.NoError(t, err)
	assert.InDelta(t, 77.0, f.Value, 1e-9)

	k, err := f.Convert("K")
	require.NoError(t, err)
	assert.InDelta(t, 298.15, k.Value, 1e-9)
}

func TestBuiltinAndRegisteredUnitsConvert(t *testing.T) {
	in, err := Must(1, "ft").Convert("in")
	require.NoError(t, err)
	assert.InDelta(t, 12.0, in.Value, 1e-9)

	mi, err := Must(5280, "feet").Convert("mi")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mi.Value, 1e-9)

	hpa, err := Must(29.92, "inHg").Convert("hPa")
	require.NoError(t, err)
	assert.InDelta(t, 1013.2, hpa.Value, 0.1)

	same, err := Must(3, "km/h").Convert("kph")
	require.NoError(t, err)
	assert.Equal(t, 3.0, same.Value)
}

func TestUnknownAndIncompatible(t *testing.T) {
	_, err := New(1, "furlongs")
	assert.True(t, errors.Is(err, ErrUnknownUnit))

	_, err = Must(1, "m").Convert("°C")
	assert.True(t, errors.Is(err, ErrIncompatible))
}

func TestCompound(t *testing.T) {
	rate, err := Compound(25.4, "mm", "h")
	require.NoError(t, err)
	assert.Equal(t, "mm/h", rate.Unit)
	assert.Equal(t, Dimension("length/time"), rate.Dimension())

	in, err := rate.Convert("in/h")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, in.Value, 1e-9)

	perMin, err := rate.Convert("mm/min")
	require.NoError(t, err)
	assert.InDelta(t, 25.4/60, perMin.Value, 1e-9)

	assert.Equal(t, "in/h", rate.In(Imperial).Unit)
}

func TestSystems(t *testing.T) {
	assert.Equal(t, "°F", Must(20, "°C").In(Imperial).Unit)
	assert.Equal(t, "km/h", Must(10, "mph").In(Metric).Unit)
	assert.Equal(t, "mph", Must(10, "mph").In(Source).Unit)
	assert.Equal(t, "%", Must(50, "%").In(Imperial).Unit)

	sys, err := ParseSystem("Imperial")
	require.NoError(t, err)
	assert.Equal(t, Imperial, sys)
	_, err = ParseSystem("klingon")
	assert.Error(t, err)
}

func TestArithmeticAndMean(t *testing.T) {
	sum, err := Must(1, "km").Add(Must(500, "m"))
	require.NoError(t, err)
	assert.InDelta(t, 1.5, sum.Value, 1e-9)

	mean, err := Mean(Must(10, "°C"), Must(50, "°F"), Must(283.15, "K"))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, mean.Value, 1e-9)

	assert.Equal(t, "77°F", Must(77, "°F").String())
	assert.Equal(t, "3.14 m", Must(3.14159, "m").String())
}

func TestDewpoint(t *testing.T) {
	dp, err := Dewpoint(Must(25, "°C"), 60)
	require.NoError(t, err)
	assert.Equal(t, "°C", dp.Unit)
	assert.InDelta(t, 16.7, dp.Value, 0.2)

	_, err = Dewpoint(Must(25, "°C"), 0)
	assert.Error(t, err)
}

func TestHeatIndexAndWindChill(t *testing.T) {
	hi, err := HeatIndex(Must(90, "°F"), 60)
	require.NoError(t, err)
	assert.InDelta(t, 100, hi.Value, 1.5)

	// Below the regression threshold the simple formula is close to the air temperature.
	mild, err := HeatIndex(Must(70, "°F"), 50)
	require.NoError(t, err)
	assert.InDelta(t, 69.05, mild.Value, 0.01)

	wc, err := WindChill(Must(20, "°F"), Must(15, "mph"))
	require.NoError(t, err)
	assert.InDelta(t, 6.2, wc.Value, 0.3)

	warm, err := WindChill(Must(70, "°F"), Must(15, "mph"))
	require.NoError(t, err)
	assert.Equal(t, 70.0, warm.Value)
}

func TestFeelsLike(t *testing.T) {
	temp := Must(77, "°F")
	hi, _ := HeatIndex(temp, 55)
	fl, err := FeelsLike(temp, 55, &hi, nil)
	require.NoError(t, err)
	assert.Equal(t, temp, fl)

	hot := Must(95, "°F")
	hotHI, _ := HeatIndex(hot, 50)
	fl, err = FeelsLike(hot, 50, &hotHI, nil)
	require.NoError(t, err)
	assert.Equal(t, hotHI, fl)

	cold := Must(0, "°C")
	wc, _ := WindChill(cold, Must(30, "km/h"))
	fl, err = FeelsLike(cold, 80, nil, &wc)
	require.NoError(t, err)
	assert.Equal(t, wc, fl)
	assert.Less(t, fl.Value, 0.0)
}
