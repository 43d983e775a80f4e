package screening

import "math"

// 融合权重
const (
	RubricWeight  = 0.90
	KeywordWeight = 0.05
	VectorWeight  = 0.05
)

// SubScores 三个子评分，nil 表示缺失
type SubScores struct {
	Rubric  *float64
	Keyword *float64
	Vector  *float64
}

// Fuse 加权融合并四舍五入到一位小数（远离零方向）
func Fuse(rubric, keyword, vector float64) float64 {
	total := clampScore(rubric)*RubricWeight + clampScore(keyword)*KeywordWeight + clampScore(vector)*VectorWeight
	return clampScore(RoundScore(total))
}

// FuseScores 缺失的子评分按 0 计
func FuseScores(s SubScores) float64 {
	return Fuse(valueOrZero(s.Rubric), valueOrZero(s.Keyword), valueOrZero(s.Vector))
}

// RoundScore 保留一位小数。先加 1e-9 修正二进制误差，69.55 存为 69.5499… 时仍得到 69.6。
func RoundScore(x float64) float64 {
	if x < 0 {
		return -RoundScore(-x)
	}
	return math.Round(x*10+1e-9) / 10
}

func clampScore(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 100:
		return 100
	}
	return x
}

func valueOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
