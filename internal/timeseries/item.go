// Package timeseries holds timestamped values and the bounded rolling window used
// for recorded measurements.
package timeseries

import (
	"errors"
	"fmt"
	"time"

	"github.com/i474232898/levity-data/internal/units"
)

// ErrUnsupported is returned for arithmetic on values that are not numeric.
var ErrUnsupported = errors.New("unsupported operand")

// TimeAware is anything carrying a value observed at a point in time.
type TimeAware interface {
	Value() any
	Time() time.Time
}

// Item is an immutable (value, timestamp) pair.
type Item struct {
	value any
	ts    time.Time
}

func NewItem(value any, ts time.Time) Item {
	return Item{value: value, ts: ts}
}

// ItemOf converts any TimeAware into an Item.
func ItemOf(t TimeAware) Item {
	if it, ok := t.(Item); ok {
		return it
	}
	return Item{value: t.Value(), ts: t.Time()}
}

func (i Item) Value() any      { return i.value }
func (i Item) Time() time.Time { return i.ts }

// IsZero reports whether the item carries neither a value nor a timestamp.
func (i Item) IsZero() bool { return i.value == nil && i.ts.IsZero() }

// Float coerces the value to a float64. Measurements yield their magnitude.
func (i Item) Float() (float64, bool) { return toFloat(i.value) }

// WithValue keeps the timestamp and replaces the value.
func (i Item) WithValue(v any) Item { return Item{value: v, ts: i.ts} }

func (i Item) String() string {
	return fmt.Sprintf("%v@%s", i.value, i.ts.Format(time.RFC3339))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case units.Measurement:
		return n.Value, true
	}
	return 0, false
}

type op int

const (
	opAdd op = iota
	opSub
	opMul
	opDiv
)

func apply(a, b any, o op) (any, error) {
	am, aIsM := a.(units.Measurement)
	bm, bIsM := b.(units.Measurement)
	switch {
	case aIsM && bIsM:
		switch o {
		case opAdd:
			return am.Add(bm)
		case opSub:
			return am.Sub(bm)
		}
		return nil, fmt.Errorf("%w: cannot multiply or divide %s by %s", ErrUnsupported, am.Unit, bm.Unit)
	case aIsM:
		f, ok := toFloat(b)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupported, b)
		}
		switch o {
		case opAdd:
			return units.Measurement{Value: am.Value + f, Unit: am.Unit}, nil
		case opSub:
			return units.Measurement{Value: am.Value - f, Unit: am.Unit}, nil
		case opMul:
			return am.Scale(f), nil
		}
		if f == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrUnsupported)
		}
		return am.Scale(1 / f), nil
	}
	x, ok := toFloat(a)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, a)
	}
	y, ok := toFloat(b)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, b)
	}
	switch o {
	case opAdd:
		return x + y, nil
	case opSub:
		return x - y, nil
	case opMul:
		return x * y, nil
	}
	if y == 0 {
		return nil, fmt.Errorf("%w: division by zero", ErrUnsupported)
	}
	return x / y, nil
}

func (i Item) combine(o TimeAware, op op) (Item, error) {
	v, err := apply(i.value, o.Value(), op)
	if err != nil {
		return Item{}, err
	}
	return Item{value: v, ts: MeanTime(i.ts, o.Time())}, nil
}

// Add, Sub, Mul and Div return a new item whose timestamp is the mean of the operands'.
func (i Item) Add(o TimeAware) (Item, error) { return i.combine(o, opAdd) }
func (i Item) Sub(o TimeAware) (Item, error) { return i.combine(o, opSub) }
func (i Item) Mul(o TimeAware) (Item, error) { return i.combine(o, opMul) }
func (i Item) Div(o TimeAware) (Item, error) { return i.combine(o, opDiv) }

// MeanTime averages timestamps. Zero times are ignored.
func MeanTime(ts ...time.Time) time.Time {
	var base time.Time
	var sum float64
	n := 0
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if n == 0 {
			base = t
		}
		sum += float64(t.Sub(base))
		n++
	}
	if n == 0 {
		return time.Time{}
	}
	return base.Add(time.Duration(sum / float64(n)))
}

// Average reduces items to one representative: the mean for numbers, measurements
// and times, otherwise the most frequent value. For the most frequent value the
// timestamp is the mean of the items that carry it.
func Average(items ...TimeAware) Item {
	switch len(items) {
	case 0:
		return Item{}
	case 1:
		return ItemOf(items[0])
	}

	stamps := make([]time.Time, len(items))
	for n, it := range items {
		stamps[n] = it.Time()
	}
	ts := MeanTime(stamps...)

	if v, ok := meanValue(items); ok {
		return Item{value: v, ts: ts}
	}
	return mode(items)
}

func meanValue(items []TimeAware) (any, bool) {
	var ms []units.Measurement
	var times []time.Time
	sum, floats := 0.0, 0
	for _, it := range items {
		switch v := it.Value().(type) {
		case units.Measurement:
			ms = append(ms, v)
		case time.Time:
			times = append(times, v)
		default:
			f, ok := toFloat(v)
			if !ok {
				return nil, false
			}
			sum += f
			floats++
		}
	}
	switch {
	case len(ms) == len(items):
		m, err := units.Mean(ms...)
		return m, err == nil
	case len(times) == len(items):
		return MeanTime(times...), true
	case floats == len(items):
		return sum / float64(floats), true
	}
	return nil, false
}

func mode(items []TimeAware) Item {
	counts := make(map[string]int)
	first := make(map[string]any)
	var order []string
	for _, it := range items {
		k := fmt.Sprint(it.Value())
		if _, ok := counts[k]; !ok {
			order = append(order, k)
			first[k] = it.Value()
		}
		counts[k]++
	}
	best := order[0]
	for _, k := range order[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	var stamps []time.Time
	for _, it := range items {
		if fmt.Sprint(it.Value()) == best {
			stamps = append(stamps, it.Time())
		}
	}
	return Item{value: first[best], ts: MeanTime(stamps...)}
}

// MultiValueItem is a set of items sharing one slot. Its value is their average,
// computed on first read and cached until another item is added.
type MultiValueItem struct {
	items  []Item
	cached *Item
}

func NewMultiValueItem(items ...Item) *MultiValueItem {
	return &MultiValueItem{items: items}
}

func (m *MultiValueItem) Add(it Item) {
	m.items = append(m.items, it)
	m.cached = nil
}

func (m *MultiValueItem) Len() int { return len(m.items) }

// Items returns a copy of the raw samples.
func (m *MultiValueItem) Items() []Item {
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

// Average returns the representative item; the zero Item when empty.
func (m *MultiValueItem) Average() Item {
	if m.cached != nil {
		return *m.cached
	}
	var avg Item
	switch len(m.items) {
	case 0:
		return Item{}
	case 1:
		avg = m.items[0]
	default:
		ta := make([]TimeAware, len(m.items))
		for n := range m.items {
			ta[n] = m.items[n]
		}
		avg = Average(ta...)
	}
	m.cached = &avg
	return avg
}

func (m *MultiValueItem) Value() any      { return m.Average().Value() }
func (m *MultiValueItem) Time() time.Time { return m.Average().Time() }
