package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometricMeanZeroTracks(t *testing.T) {
	mean, err := GeometricMean([]string{"123456"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), mean)
}

func TestGeometricMeanSingleTrack(t *testing.T) {
	mean, err := GeometricMean([]string{"215000"}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(215000), mean)
}

func TestGeometricMeanExactRoot(t *testing.T) {
	// 2^3 = 8
	mean, err := GeometricMean([]string{"8"}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mean)

	// 30^2 = 900, split across two partials
	mean, err = GeometricMean([]string{"30", "30"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(30), mean)
}

func TestGeometricMeanDurations(t *testing.T) {
	// 1000*2000*4000*8000 = 6.4e13; fourth root is 2828.427, rounds to 2828.
	mean, err := GeometricMean([]string{"2000000", "32000000"}, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2828), mean)
}

func TestGeometricMeanRoundsHalfUp(t *testing.T) {
	// sqrt(8) = 2.828 -> 3
	mean, err := GeometricMean([]string{"8"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), mean)

	// sqrt(6) = 2.449 -> 2
	mean, err = GeometricMean([]string{"6"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mean)

	// sqrt(2) = 1.414 -> 1
	mean, err = GeometricMean([]string{"2"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mean)
}

func TestGeometricMeanHugeProductStaysExact(t *testing.T) {
	// 250000^100 needs ~1800 bits; the mean must come back exactly.
	partials := make([]string, 100)
	for i := range partials {
		partials[i] = "250000"
	}
	mean, err := GeometricMean(partials, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), mean)
}

func TestGeometricMeanInvalidInputs(t *testing.T) {
	_, err := GeometricMean([]string{"not-a-number"}, 2)
	assert.Error(t, err)

	_, err = GeometricMean([]string{"10"}, -1)
	assert.Error(t, err)

	_, err = GeometricMean([]string{"0"}, 2)
	assert.Error(t, err)
}
