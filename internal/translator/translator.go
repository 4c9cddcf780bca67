// Package translator maps a plugin's raw field names and units onto canonical
// category keys.
package translator

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/levity-data/internal/category"
)

var (
	// ErrKeyNotFound is returned by FindKey when no payload field matches.
	ErrKeyNotFound = errors.New("key not found in payload")
	// ErrInvalid is returned for translator documents that fail validation.
	ErrInvalid = errors.New("invalid translator")
)

var (
	// TimeKey is the canonical key of an observation timestamp.
	TimeKey = category.MustParse("time.time")
	// TimezoneKey is the canonical key of a payload's timezone.
	TimezoneKey = category.MustParse("time.timezone")
)

// Heuristic field names, in priority order.
var (
	timeFields     = []string{"time", "timestamp", "day_start_local", "date", "datetime"}
	timezoneFields = []string{"timezone", "timezone_name", "tz"}
)

var validate = validator.New()

// StringList decodes either a scalar string or a sequence of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", node.Line)
}

// First returns the first element or "".
func (s StringList) First() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Metadata describes how one canonical key is found and converted.
type Metadata struct {
	Key        category.Item     `yaml:"-"`
	SourceKey  StringList        `yaml:"sourceKey" validate:"dive,required"`
	SourceUnit StringList        `yaml:"sourceUnit" validate:"max=2,dive,required"`
	Type       string            `yaml:"type"`
	Title      string            `yaml:"title"`
	Format     StringList        `yaml:"format" validate:"dive,required"`
	TZ         string            `yaml:"tz"`
	IconType   string            `yaml:"iconType"`
	Alias      map[string]string `yaml:"alias"`
	Kwargs     map[string]any    `yaml:"kwargs"`
}

// Compound reports whether the source unit is a [numerator, denominator] pair.
func (m Metadata) Compound() bool { return len(m.SourceUnit) == 2 }

// Unit returns the source unit symbol, "a/b" for compounds.
func (m Metadata) Unit() string {
	if m.Compound() {
		return m.SourceUnit[0] + "/" + m.SourceUnit[1]
	}
	return m.SourceUnit.First()
}

type document struct {
	Name string               `yaml:"name" validate:"required"`
	Keys map[string]*Metadata `yaml:"keys" validate:"required,min=1,dive,required"`
}

// Translator is the metadata table of one plugin. It is read-only after construction.
type Translator struct {
	name     string
	keys     map[category.Item]*Metadata
	bySource map[string]category.Item
	order    []category.Item
}

// New builds a Translator from metadata entries, keyed by their Key field.
func New(name string, entries ...Metadata) *Translator {
	t := &Translator{
		name:     name,
		keys:     make(map[category.Item]*Metadata, len(entries)),
		bySource: make(map[string]category.Item),
	}
	for i := range entries {
		t.add(entries[i])
	}
	return t
}

func (t *Translator) add(m Metadata) {
	key := m.Key.Bare()
	if _, ok := t.keys[key]; !ok {
		t.order = append(t.order, key)
	}
	md := m
	md.Key = key
	t.keys[key] = &md
	for _, sk := range m.SourceKey {
		t.bySource[sk] = key
	}
}

// Load parses and validates a YAML translator document.
func Load(data []byte) (*Translator, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	names := make([]string, 0, len(doc.Keys))
	for k := range doc.Keys {
		names = append(names, k)
	}
	slices.Sort(names)

	t := New(doc.Name)
	for _, k := range names {
		md := doc.Keys[k]
		md.Key = category.Parse(k)
		if md.Key.IsZero() {
			return nil, fmt.Errorf("%w: empty key", ErrInvalid)
		}
		t.add(*md)
	}
	return t, nil
}

// LoadFile reads a translator document from disk.
func LoadFile(path string) (*Translator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read translator: %w", err)
	}
	return Load(data)
}

func (t *Translator) Name() string { return t.name }

// Keys returns the canonical keys in declaration order.
func (t *Translator) Keys() []category.Item {
	return slices.Clone(t.order)
}

// Get returns the metadata declared for a canonical key.
func (t *Translator) Get(key category.Item) (*Metadata, bool) {
	if t == nil {
		return nil, false
	}
	md, ok := t.keys[key.Bare()]
	return md, ok
}

// Canonical resolves a raw source field name to its canonical key.
func (t *Translator) Canonical(sourceKey string) (category.Item, bool) {
	if t == nil {
		return category.Item{}, false
	}
	key, ok := t.bySource[sourceKey]
	return key, ok
}

// Metadata resolves key as either a canonical or a source key. Unknown keys get a
// minimal descriptor that passes values through unconverted.
func (t *Translator) Metadata(key string) Metadata {
	if md, ok := t.Get(category.Parse(key)); ok {
		return *md
	}
	if canon, ok := t.Canonical(key); ok {
		return *t.keys[canon]
	}
	return Metadata{Key: category.Parse(key), SourceKey: StringList{key}}
}

// FindKey returns the payload field holding canonical. It tries the canonical key
// itself, then the declared source keys, then the built-in time and timezone names.
func (t *Translator) FindKey(canonical category.Item, payload map[string]any) (string, error) {
	if _, ok := payload[canonical.String()]; ok {
		return canonical.String(), nil
	}
	if md, ok := t.Get(canonical); ok {
		for _, sk := range md.SourceKey {
			if _, ok := payload[sk]; ok {
				return sk, nil
			}
		}
	}

	var candidates []string
	switch {
	case canonical.Bare() == TimezoneKey || canonical.Name() == "timezone":
		candidates = timezoneFields
	case canonical.Bare() == TimeKey || canonical.Name() == "timestamp":
		candidates = timeFields
	}
	for _, c := range candidates {
		if _, ok := payload[c]; ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrKeyNotFound, canonical)
}

// TimezoneField locates the timezone field of a payload.
func (t *Translator) TimezoneField(payload map[string]any) (string, error) {
	return t.FindKey(TimezoneKey, payload)
}
