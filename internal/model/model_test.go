package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateTimeIn(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	wall := DateTime{Value: time.Date(2025, 7, 1, 18, 0, 0, 0, time.UTC), TZID: "Europe/Paris"}
	got := wall.In(paris)
	assert.Equal(t, time.Date(2025, 7, 1, 16, 0, 0, 0, time.UTC), got.UTC())

	utc := DateTime{Value: time.Date(2025, 7, 1, 18, 0, 0, 0, time.UTC), UTC: true}
	assert.Equal(t, time.Date(2025, 7, 1, 18, 0, 0, 0, time.UTC), utc.In(paris))
}

func TestWallKeepsClockReading(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	instant := time.Date(2025, 1, 7, 18, 0, 0, 0, paris)
	d := Wall(instant, "Europe/Paris")
	assert.Equal(t, 18, d.Value.Hour())
	assert.Equal(t, "Europe/Paris", d.TZID)
	assert.True(t, d.In(paris).Equal(instant))
	assert.False(t, d.IsZero())
	assert.True(t, DateTime{}.IsZero())
}
