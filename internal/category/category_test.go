package category

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndAccessors(t *testing.T) {
	k := Parse("environment..temperature.dewpoint ")
	assert.Equal(t, "environment.temperature.dewpoint", k.String())
	assert.Equal(t, "dewpoint", k.Name())
	assert.Equal(t, "environment", k.Category())
	assert.Equal(t, Parse("environment.temperature"), k.Parent())
	assert.Equal(t, []string{"environment", "temperature", "dewpoint"}, k.Segments())
	assert.True(t, k.HasPrefix(Parse("environment.temperature")))
	assert.False(t, k.HasPrefix(Parse("environment.temp")))
	assert.Equal(t, k, New("environment", "temperature.dewpoint"))
	assert.True(t, Parse("").IsZero())
}

func TestSourceDistinguishesMapKeys(t *testing.T) {
	a := Parse("environment.temperature").WithSource("openmeteo")
	b := Parse("environment.temperature").WithSource("openweathermap")

	m := map[Item]int{a: 1, b: 2}
	assert.Len(t, m, 2)
	assert.False(t, a.Matches(b))
	assert.True(t, a.Matches(b.Anonymous()))
	assert.True(t, b.Anonymous().Matches(a))
	assert.Equal(t, []string{"openmeteo"}, a.Sources())
}

func TestWildcardMatches(t *testing.T) {
	k := Parse("environment.temperature.dewpoint")
	assert.True(t, k.Matches(Parse("environment.*.dewpoint")))
	assert.True(t, k.Matches(Parse("*.*.*")))
	assert.False(t, k.Matches(Parse("environment.*")))
	assert.True(t, Parse("environment.*").HasWildcard())

	keys := []Item{k, Parse("environment.temperature.temperature"), Parse("environment.humidity.humidity")}
	assert.Equal(t, keys[:2], Filter(keys, Parse("environment.temperature.*")))
}

func TestKeysToDict(t *testing.T) {
	keys := []Item{
		Parse("environment.temperature"),
		Parse("environment.temperature.dewpoint"),
		Parse("environment.humidity.humidity"),
		Parse("time.time"),
	}
	tree := KeysToDict(keys)

	require.Contains(t, tree, "environment")
	require.Contains(t, tree, "time")
	env := tree["environment"]
	assert.Nil(t, env.Key)

	temp := env.Children["temperature"]
	require.NotNil(t, temp.Key)
	assert.Equal(t, keys[0], *temp.Key)
	require.Contains(t, temp.Children, "dewpoint")
	assert.Equal(t, keys[1], *temp.Children["dewpoint"].Key)
	assert.Nil(t, temp.Children["dewpoint"].Children)

	// Input is untouched.
	assert.Equal(t, "environment.temperature", keys[0].String())

	found := Lookup(tree, Parse("environment.*.*"))
	assert.Equal(t, []Item{Parse("environment.humidity.humidity"), Parse("environment.temperature.dewpoint")}, found)
}

func TestTextRoundTrip(t *testing.T) {
	var k Item
	require.NoError(t, k.UnmarshalText([]byte("a.b")))
	b, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "a.b", string(b))
}
