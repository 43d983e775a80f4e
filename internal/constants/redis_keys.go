package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// ScreeningModulePrefix 筛选模块
	ScreeningModulePrefix = "screening"
	// JobModulePrefix 岗位模块
	JobModulePrefix = "job"

	// EntityKeywordScore 关键词子评分
	EntityKeywordScore = "kw_score"
	// EntityEmbedding 文本向量
	EntityEmbedding = "embedding"
	// EntityRequirementWeights JD 类别权重
	EntityRequirementWeights = "req_weights"

	// KeyKeywordScore 关键词子评分缓存 (STRING)
	// 格式: app:screening:kw_score:{sha256(jd+resume)}
	KeyKeywordScore = AppPrefix + ":" + ScreeningModulePrefix + ":" + EntityKeywordScore + ":%s"

	// KeyTextEmbedding 文本向量缓存 (STRING, JSON 数组)
	// 格式: app:screening:embedding:{sha256(text)}
	KeyTextEmbedding = AppPrefix + ":" + ScreeningModulePrefix + ":" + EntityEmbedding + ":%s"

	// KeyRequirementWeights JD 类别权重缓存 (STRING, JSON 对象)
	// 格式: app:job:req_weights:{sha256(jd)}
	KeyRequirementWeights = AppPrefix + ":" + JobModulePrefix + ":" + EntityRequirementWeights + ":%s"
)
