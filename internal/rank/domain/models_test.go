package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ladder() []catalogdomain.Rank {
	ranks := catalogdomain.DefaultRanks()
	for i := range ranks {
		ranks[i].ID = snowflake.ID(100 + i)
	}
	return ranks
}

func TestEvaluateRequiresBothLegs(t *testing.T) {
	got := Evaluate(ladder(), 600, 3, 1)
	require.NotNil(t, got)
	assert.NotEqual(t, "SILVER", got.Code)
	assert.Equal(t, "BRONZE", got.Code)

	got = Evaluate(ladder(), 600, 2, 2)
	require.NotNil(t, got)
	assert.Equal(t, "SILVER", got.Code)
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name        string
		points      int64
		left, right int
		want        string
	}{
		{"nothing", 0, 0, 0, ""},
		{"points without directs", 20000, 0, 0, ""},
		{"bronze", 100, 1, 1, "BRONZE"},
		{"gold capped by directs", 20000, 3, 4, "GOLD"},
		{"diamond", 15000, 8, 8, "DIAMOND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(ladder(), tc.points, tc.left, tc.right)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Code)
		})
	}
}

func TestEvaluateSkipsInactiveRanks(t *testing.T) {
	ranks := ladder()
	ranks[1].IsActive = false
	got := Evaluate(ranks, 600, 2, 2)
	require.NotNil(t, got)
	assert.Equal(t, "BRONZE", got.Code)
}

func TestHigher(t *testing.T) {
	ranks := ladder()
	assert.True(t, Higher(&ranks[1], &ranks[0]))
	assert.False(t, Higher(&ranks[0], &ranks[1]))
	assert.True(t, Higher(&ranks[0], nil))
	assert.False(t, Higher(nil, &ranks[0]))
	assert.False(t, Higher(nil, nil))
}
