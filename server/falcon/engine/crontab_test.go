package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrontab(t *testing.T) {
	c := NewCrontab()
	require.NoError(t, c.Every("off", 0, func() {}))
	require.NoError(t, c.Every("checkpoint", time.Minute, func() {}))
	require.NoError(t, c.Every("scavenge", time.Minute, func() {}))
	assert.ElementsMatch(t, []string{"checkpoint", "scavenge"}, c.IDs())

	assert.Error(t, c.Every("checkpoint", time.Minute, func() {}), "重复的任务名")

	c.Start()
	c.DelByID("scavenge")
	c.DelByID("missing")
	assert.Equal(t, []string{"checkpoint"}, c.IDs())
	c.Stop()
	c.Stop()
}
