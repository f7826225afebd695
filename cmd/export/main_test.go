package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	day, err := parseDate("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), day)

	stamp, err := parseDate("2024-05-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC), stamp)

	offset, err := parseDate("2024-05-01T12:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), offset)

	_, err = parseDate("May 1st")
	assert.Error(t, err)
}
