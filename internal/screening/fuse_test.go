package screening

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFuse(t *testing.T) {
	tests := []struct {
		name                    string
		rubric, keyword, vector float64
		want                    float64
	}{
		{"权重组合", 80, 100, 60, 80.0},
		{"端到端示例四舍五入", 72, 40, 55, 69.6},
		{"全部为0", 0, 0, 0, 0},
		{"全部满分", 100, 100, 100, 100},
		{"只有评估器", 50, 0, 0, 45.0},
		{"超出上限按100计", 150, 200, 100, 100},
		{"负数按0计", -10, 50, 50, 5.0},
		{"NaN按0计", math.NaN(), 100, 100, 10.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fuse(tt.rubric, tt.keyword, tt.vector))
		})
	}
}

func TestFuseScoresMissingCountsAsZero(t *testing.T) {
	rubric := 72.0
	assert.Equal(t, 64.8, FuseScores(SubScores{Rubric: &rubric}))
	assert.Equal(t, 0.0, FuseScores(SubScores{}))

	keyword := 40.0
	vector := 55.0
	assert.Equal(t, 69.6, FuseScores(SubScores{Rubric: &rubric, Keyword: &keyword, Vector: &vector}))
}

func TestRoundScoreHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 69.6, RoundScore(69.55))
	assert.Equal(t, 0.1, RoundScore(0.05))
	assert.Equal(t, 12.3, RoundScore(12.34))
	assert.Equal(t, -0.1, RoundScore(-0.05))
}
