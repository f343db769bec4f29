package recommend

import (
	"context"

	"github.com/wyfcoding/recsys/cache"
	"github.com/wyfcoding/recsys/logging"
)

// 模型仓库里的引擎名。
const (
	ModelCollaborative = "collaborative"
	ModelContent       = "content"
)

// Snapshotter 可被模型仓库持久化与恢复的引擎。
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
	Trained() bool
}

// ModelStore 把训练好的模型序列化进 algo_model 缓存命名空间，
// 让多次服务周期分摊一次矩阵分解的开销。缓存丢失只意味着重训。
type ModelStore struct {
	recCache *cache.RecommendationCache
	logger   *logging.Logger
}

// NewModelStore 创建模型仓库。
func NewModelStore(recCache *cache.RecommendationCache, logger *logging.Logger) *ModelStore {
	return &ModelStore{recCache: recCache, logger: logger}
}

// Save 持久化引擎当前模型，失败只记日志。
func (s *ModelStore) Save(ctx context.Context, name string, engine Snapshotter) {
	if !engine.Trained() {
		return
	}
	blob, err := engine.Snapshot()
	if err != nil {
		s.logger.WarnContext(ctx, "model snapshot failed", "model", name, "error", err)
		return
	}
	s.recCache.SetModel(ctx, name, AlgorithmVersion, blob)
	s.logger.InfoContext(ctx, "model persisted", "model", name, "bytes", len(blob))
}

// Load 尝试恢复模型，命中且解码成功时返回 true。
func (s *ModelStore) Load(ctx context.Context, name string, engine Snapshotter) bool {
	blob, ok := s.recCache.GetModel(ctx, name, AlgorithmVersion)
	if !ok {
		return false
	}
	if err := engine.Restore(blob); err != nil {
		s.logger.WarnContext(ctx, "model restore failed", "model", name, "error", err)
		return false
	}
	s.logger.InfoContext(ctx, "model restored from cache", "model", name)
	return true
}
