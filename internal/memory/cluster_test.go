package memory

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
)

func TestToFloat64Slice_Float64Slice(t *testing.T) {
	got, ok := toFloat64Slice([]float64{1, 2, 3})
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, got)
}

func TestToFloat64Slice_InterfaceSlice(t *testing.T) {
	got, ok := toFloat64Slice([]interface{}{1.0, 2.0})
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, got)
}

func TestToFloat64Slice_MixedTypesFail(t *testing.T) {
	_, ok := toFloat64Slice([]interface{}{1.0, "not a number"})
	assert.False(t, ok)
}

func TestToFloat64Slice_UnsupportedType(t *testing.T) {
	_, ok := toFloat64Slice("nope")
	assert.False(t, ok)
}

func TestBagOfKeysVector_Deterministic(t *testing.T) {
	a := bagOfKeysVector("I like coffee")
	b := bagOfKeysVector("I like coffee")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestBagOfKeysVector_DifferentContentDiffers(t *testing.T) {
	a := bagOfKeysVector("I like coffee")
	b := bagOfKeysVector("completely different sentence about skiing")
	assert.NotEqual(t, a, b)
}

func TestL2Normalize_UnitLength(t *testing.T) {
	v := l2Normalize([]float64{3, 4})
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-9)
}

func TestL2Normalize_ZeroVectorUnchanged(t *testing.T) {
	v := l2Normalize([]float64{0, 0, 0})
	assert.Equal(t, []float64{0, 0, 0}, v)
}

func TestCosineDistance_IdenticalVectorsIsZero(t *testing.T) {
	v := l2Normalize([]float64{1, 1, 0})
	assert.InDelta(t, 0, cosineDistance(v, v), 1e-9)
}

func TestCosineDistance_OrthogonalVectorsIsOne(t *testing.T) {
	a := l2Normalize([]float64{1, 0})
	b := l2Normalize([]float64{0, 1})
	assert.InDelta(t, 1, cosineDistance(a, b), 1e-9)
}

func TestDBSCAN_TwoTightClustersAndOneOutlier(t *testing.T) {
	clusterA := [][]float64{
		l2Normalize([]float64{1, 0, 0}),
		l2Normalize([]float64{0.99, 0.01, 0}),
		l2Normalize([]float64{0.98, 0.02, 0}),
	}
	clusterB := [][]float64{
		l2Normalize([]float64{0, 1, 0}),
		l2Normalize([]float64{0.01, 0.99, 0}),
		l2Normalize([]float64{0.02, 0.98, 0}),
	}
	outlier := l2Normalize([]float64{0, 0, 1})

	points := append(append(append([][]float64{}, clusterA...), clusterB...), outlier)
	labels := dbscan(points, 0.05, 3)

	// Cluster A's three points share one label, cluster B's share another,
	// distinct from A's, and the outlier is noise (-1).
	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[3], labels[4])
	assert.Equal(t, labels[3], labels[5])
	assert.NotEqual(t, labels[0], labels[3])
	assert.Equal(t, -1, labels[6])
}

func TestDBSCAN_AllNoiseWhenTooFewNeighbors(t *testing.T) {
	points := [][]float64{
		l2Normalize([]float64{1, 0}),
		l2Normalize([]float64{0, 1}),
	}
	labels := dbscan(points, 0.01, 3)
	assert.Equal(t, []int{-1, -1}, labels)
}

func TestDBSCAN_EmptyInput(t *testing.T) {
	assert.Empty(t, dbscan(nil, 0.1, 3))
}

func TestClusterSession_NilStoreIsNoop(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	created, err := svc.ClusterSession(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.Zero(t, created)
}
