package scorer

import (
	"context"
	"fmt"
	"math"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage"

	"github.com/cloudwego/eino/components/embedding"
)

// VectorScorer 语义相似度子评分
type VectorScorer struct {
	embedder embedding.Embedder
	factor   float64
	cache    Cache
	ttl      time.Duration
}

// NewVectorScorer 创建向量评分器，factor 为返回前乘上的内部系数
func NewVectorScorer(embedder embedding.Embedder, factor float64, cache Cache, ttl time.Duration) *VectorScorer {
	return &VectorScorer{embedder: embedder, factor: factor, cache: cache, ttl: ttl}
}

// Score 返回 余弦相似度百分比 × factor，任一侧为零向量时返回 ErrNoSignal
func (s *VectorScorer) Score(ctx context.Context, jobDescription, resume string) (float64, error) {
	vectors, err := s.embed(ctx, jobDescription, resume)
	if err != nil {
		return 0, err
	}
	sim, err := CosineSimilarity(vectors[0], vectors[1])
	if err != nil {
		return 0, err
	}
	pct := math.Max(0, math.Min(100, sim*100))
	return pct * s.factor, nil
}

// embed 优先读取文本向量缓存，只为未命中的文本调用 embedder
func (s *VectorScorer) embed(ctx context.Context, texts ...string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	keys := make([]string, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		keys[i] = storage.HashKey(constants.KeyTextEmbedding, t)
		var v []float64
		if cacheGet(ctx, s.cache, keys[i], &v) && len(v) > 0 {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := s.embedder.EmbedStrings(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("计算文本向量失败: %w", err)
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedder 返回 %d 个向量，期望 %d 个", len(vectors), len(missing))
	}
	for j, idx := range missingIdx {
		out[idx] = vectors[j]
		if err := cacheSet(ctx, s.cache, keys[idx], vectors[j], s.ttl); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("写入文本向量缓存失败")
		}
	}
	return out, nil
}

// CosineSimilarity 余弦相似度，维度不一致返回错误，零向量返回 ErrNoSignal
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("向量维度不一致: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("%w: 零向量", ErrNoSignal)
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
