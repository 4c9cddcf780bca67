// Package units converts raw numeric readings into physical measurements and
// between unit systems.
package units

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	gounits "github.com/bcicen/go-units"
)

var (
	// ErrUnknownUnit is returned when a unit symbol is not registered.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrIncompatible is returned when converting between different dimensions.
	ErrIncompatible = errors.New("incompatible units")
)

// Dimension names the physical quantity a unit measures.
type Dimension string

const (
	Temperature   Dimension = "temperature"
	Length        Dimension = "length"
	Speed         Dimension = "speed"
	Duration      Dimension = "time"
	Pressure      Dimension = "pressure"
	Fraction      Dimension = "fraction"
	Angle         Dimension = "angle"
	Illuminance   Dimension = "illuminance"
	Irradiance    Dimension = "irradiance"
	Dimensionless Dimension = "dimensionless"
)

// System is a display preference.
type System string

const (
	Metric   System = "metric"
	Imperial System = "imperial"
	// Source keeps values in the unit the plugin reported.
	Source System = "source"
)

// ParseSystem accepts metric, imperial or source (case insensitive).
func ParseSystem(s string) (System, error) {
	switch System(strings.ToLower(strings.TrimSpace(s))) {
	case Metric:
		return Metric, nil
	case Imperial:
		return Imperial, nil
	case Source, "":
		return Source, nil
	}
	return "", fmt.Errorf("invalid unit system %q", s)
}

// Unit is a registered unit backed by a go-units unit, which owns the
// conversion graph.
type Unit struct {
	Symbol    string
	Dimension Dimension
	lib       gounits.Unit
}

var (
	registry = map[string]Unit{}
	aliases  = map[string]string{}
)

func register(dim Dimension, symbol string, lib gounits.Unit, alias ...string) {
	registry[symbol] = Unit{Symbol: symbol, Dimension: dim, lib: lib}
	for _, a := range alias {
		aliases[strings.ToLower(a)] = symbol
	}
}

// registerRatio adds a unit worth ratio of base. A ratio of 1 with base equal
// to symbol starts a new dimension.
func registerRatio(dim Dimension, symbol, base string, ratio float64, alias ...string) {
	lib := gounits.NewUnit("levity:"+symbol, symbol)
	if base != symbol {
		gounits.NewRatioConversion(lib, registry[base].lib, ratio)
	}
	register(dim, symbol, lib, alias...)
}

func init() {
	register(Temperature, "K", gounits.Kelvin, "kelvin")
	register(Temperature, "°C", gounits.Celsius, "c", "celsius", "degc", "℃")
	register(Temperature, "°F", gounits.Fahrenheit, "f", "fahrenheit", "degf", "℉")

	register(Length, "m", gounits.Meter, "meter", "meters")
	register(Length, "ft", gounits.Foot, "foot", "feet")
	registerRatio(Length, "mm", "m", 0.001, "millimeter", "millimeters")
	registerRatio(Length, "cm", "m", 0.01, "centimeter", "centimeters")
	registerRatio(Length, "km", "m", 1000, "kilometer", "kilometers")
	registerRatio(Length, "in", "m", 0.0254, "inch", "inches")
	registerRatio(Length, "mi", "m", 1609.344, "mile", "miles")

	registerRatio(Speed, "m/s", "m/s", 1, "mps")
	registerRatio(Speed, "km/h", "m/s", 1/3.6, "kph", "kmh")
	registerRatio(Speed, "mph", "m/s", 0.44704, "mi/h")
	registerRatio(Speed, "kn", "m/s", 0.514444, "knot", "knots", "kt")

	registerRatio(Duration, "s", "s", 1, "sec", "second", "seconds")
	registerRatio(Duration, "min", "s", 60, "minute", "minutes")
	registerRatio(Duration, "h", "s", 3600, "hr", "hour", "hours")
	registerRatio(Duration, "day", "s", 86400, "d", "days")

	registerRatio(Pressure, "Pa", "Pa", 1, "pascal")
	registerRatio(Pressure, "hPa", "Pa", 100, "mb", "mbar", "millibar")
	registerRatio(Pressure, "kPa", "Pa", 1000)
	registerRatio(Pressure, "inHg", "Pa", 3386.389, "inhg")
	registerRatio(Pressure, "mmHg", "Pa", 133.322, "mmhg")

	registerRatio(Fraction, "%", "%", 1, "percent", "pct")
	registerRatio(Angle, "°", "°", 1, "deg", "degree", "degrees")
	registerRatio(Angle, "rad", "°", 180/math.Pi, "radian", "radians")
	registerRatio(Illuminance, "lx", "lx", 1, "lux")
	registerRatio(Irradiance, "W/m²", "W/m²", 1, "w/m2", "wm2")
	registerRatio(Dimensionless, "index", "index", 1, "uvi", "uv")
}

// convert moves v between two simple units of one dimension.
func convert(v float64, from, to Unit) (float64, error) {
	if from.Symbol == to.Symbol {
		return v, nil
	}
	res, err := gounits.ConvertFloat(v, from.lib, to.lib)
	if err != nil {
		return 0, fmt.Errorf("%w: %s to %s: %v", ErrIncompatible, from.Symbol, to.Symbol, err)
	}
	return res.Float(), nil
}

// Lookup resolves a symbol or alias to a registered unit.
func Lookup(symbol string) (Unit, error) {
	s := strings.TrimSpace(symbol)
	if u, ok := registry[s]; ok {
		return u, nil
	}
	if canon, ok := aliases[strings.ToLower(s)]; ok {
		return registry[canon], nil
	}
	return Unit{}, fmt.Errorf("%w: %q", ErrUnknownUnit, symbol)
}

// Known reports whether symbol resolves to a simple or compound unit.
func Known(symbol string) bool {
	_, err := parse(symbol)
	return err == nil
}

type spec struct {
	num Unit
	den *Unit
}

func (s spec) symbol() string {
	if s.den == nil {
		return s.num.Symbol
	}
	return s.num.Symbol + "/" + s.den.Symbol
}

func (s spec) dims() string {
	if s.den == nil {
		return string(s.num.Dimension)
	}
	return string(s.num.Dimension) + "/" + string(s.den.Dimension)
}

// convert handles ratio units by converting numerator and denominator apart.
func (s spec) convert(v float64, to spec) (float64, error) {
	if s.den == nil {
		return convert(v, s.num, to.num)
	}
	num, err := convert(1, s.num, to.num)
	if err != nil {
		return 0, err
	}
	den, err := convert(1, *s.den, *to.den)
	if err != nil {
		return 0, err
	}
	return v * num / den, nil
}

func parse(symbol string) (spec, error) {
	if u, err := Lookup(symbol); err == nil {
		return spec{num: u}, nil
	}
	num, den, ok := strings.Cut(symbol, "/")
	if !ok {
		return spec{}, fmt.Errorf("%w: %q", ErrUnknownUnit, symbol)
	}
	nu, err := Lookup(num)
	if err != nil {
		return spec{}, err
	}
	du, err := Lookup(den)
	if err != nil {
		return spec{}, err
	}
	return spec{num: nu, den: &du}, nil
}

// Measurement is a value with a unit.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// New builds a Measurement, normalizing the unit symbol.
func New(value float64, unit string) (Measurement, error) {
	s, err := parse(unit)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Value: value, Unit: s.symbol()}, nil
}

// Compound builds a ratio measurement such as mm/h from its two parts.
func Compound(value float64, numerator, denominator string) (Measurement, error) {
	return New(value, numerator+"/"+denominator)
}

// Must is New for static values; it panics on an unknown unit.
func Must(value float64, unit string) Measurement {
	m, err := New(value, unit)
	if err != nil {
		panic(err)
	}
	return m
}

// Dimension of the measurement, "a/b" for compounds.
func (m Measurement) Dimension() Dimension {
	s, err := parse(m.Unit)
	if err != nil {
		return ""
	}
	return Dimension(s.dims())
}

// Convert returns m expressed in unit.
func (m Measurement) Convert(unit string) (Measurement, error) {
	from, err := parse(m.Unit)
	if err != nil {
		return Measurement{}, err
	}
	to, err := parse(unit)
	if err != nil {
		return Measurement{}, err
	}
	if from.dims() != to.dims() {
		return Measurement{}, fmt.Errorf("%w: %s to %s", ErrIncompatible, m.Unit, unit)
	}
	v, err := from.convert(m.Value, to)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Value: v, Unit: to.symbol()}, nil
}

// MustConvert panics when the conversion is impossible.
func (m Measurement) MustConvert(unit string) Measurement {
	c, err := m.Convert(unit)
	if err != nil {
		panic(err)
	}
	return c
}

// Add returns m + o in m's unit.
func (m Measurement) Add(o Measurement) (Measurement, error) {
	c, err := o.Convert(m.Unit)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Value: m.Value + c.Value, Unit: m.Unit}, nil
}

// Sub returns m - o in m's unit.
func (m Measurement) Sub(o Measurement) (Measurement, error) {
	c, err := o.Convert(m.Unit)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Value: m.Value - c.Value, Unit: m.Unit}, nil
}

// Scale multiplies the value, keeping the unit.
func (m Measurement) Scale(f float64) Measurement {
	return Measurement{Value: m.Value * f, Unit: m.Unit}
}

// Mean averages measurements in the unit of the first one.
func Mean(ms ...Measurement) (Measurement, error) {
	if len(ms) == 0 {
		return Measurement{}, errors.New("mean of no measurements")
	}
	sum := 0.0
	for _, m := range ms {
		c, err := m.Convert(ms[0].Unit)
		if err != nil {
			return Measurement{}, err
		}
		sum += c.Value
	}
	return Measurement{Value: sum / float64(len(ms)), Unit: ms[0].Unit}, nil
}

func (m Measurement) String() string {
	v := strconv.FormatFloat(m.Value, 'f', -1, 64)
	if math.Abs(m.Value-math.Round(m.Value*100)/100) > 1e-9 {
		v = strconv.FormatFloat(m.Value, 'f', 2, 64)
	}
	if strings.HasPrefix(m.Unit, "°") || m.Unit == "%" {
		return v + m.Unit
	}
	return v + " " + m.Unit
}
