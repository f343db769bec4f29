// Package recommend 实现了混合推荐核心：协同过滤、内容相似度与位置衰减三个
// 子引擎，以及加权融合与冷启动兜底。
package recommend

// AlgorithmVersion 标识当前离线算法版本，落库到推荐记录上。
const AlgorithmVersion = "hybrid_v1"

// Recommendation 单条推荐结果。
type Recommendation struct {
	ProviderID uint64  `json:"provider_id"`
	Score      float64 `json:"score"`
}

// Weights 三个子引擎的融合权重。
type Weights struct {
	Collaborative float64 `json:"collaborative"`
	Content       float64 `json:"content"`
	Location      float64 `json:"location"`
}

// DefaultWeights 返回线上默认的均衡权重。
func DefaultWeights() Weights {
	return Weights{Collaborative: 0.5, Content: 0.3, Location: 0.2}
}

// Scores 各引擎 predict 的输出：provider id -> 分数。
// 空 map 表示引擎弃权（无训练数据或无偏好集），融合层把缺席当作"无意见"
// 而不是零分。
type Scores map[uint64]float64
