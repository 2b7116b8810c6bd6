package di

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter struct{ name string }

func TestContainerRegisterAndResolve(t *testing.T) {
	c := NewContainer()
	c.Register("greeter", &greeter{name: "maya"})
	c.Register("count", 3)

	g, ok := Resolve[*greeter](c, "greeter")
	require.True(t, ok)
	assert.Equal(t, "maya", g.name)

	_, ok = Resolve[*greeter](c, "count")
	assert.False(t, ok)

	_, err := MustResolve[*greeter](c, "missing")
	assert.ErrorContains(t, err, "not registered")

	_, err = MustResolve[string](c, "count")
	assert.ErrorContains(t, err, "has type int")
}

func TestContainerNamesAndRequire(t *testing.T) {
	c := NewContainer()
	c.Register("websockets", 1)
	c.Register("showrunner", 2)

	assert.Equal(t, []string{"showrunner", "websockets"}, c.GetNames())
	assert.NoError(t, c.Require("showrunner", "websockets"))
	assert.ErrorContains(t, c.Require("showrunner", "progress"), `"progress"`)

	c.Remove("showrunner")
	assert.False(t, c.Has("showrunner"))

	c.Clear()
	assert.Empty(t, c.GetNames())
}

func TestGetContainerIsShared(t *testing.T) {
	assert.Same(t, GetContainer(), GetContainer())
}
