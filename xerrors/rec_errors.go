package xerrors

var (
	// ErrEmptyData 输入数据为空。
	ErrEmptyData = New(ErrInvalidArg, 400001, "empty data", "input data must not be empty", nil)
	// ErrDimMismatch 维度不匹配.
	ErrDimMismatch = New(ErrInvalidArg, 400002, "dimension mismatch", "matrix or vector dimensions do not match", nil)
	// ErrInvalidComponents SVD 成分数量非法。
	ErrInvalidComponents = New(ErrInvalidArg, 400003, "invalid component count", "components must be in [1, min(rows, cols)]", nil)
	// ErrUnknownExperiment 请求了未登记的实验。
	ErrUnknownExperiment = New(ErrInvalidArg, 400004, "unknown experiment", "experiment is not present in the configured catalog", nil)
	// ErrUnknownVariant 请求了实验中不存在的变体。
	ErrUnknownVariant = New(ErrInvalidArg, 400005, "unknown variant", "variant is not defined for this experiment", nil)
	// ErrInvalidVariantWeights 变体权重之和超过 1.0。
	ErrInvalidVariantWeights = New(ErrInvalidArg, 400006, "invalid variant weights", "variant weights must sum to at most 1.0", nil)
	// ErrModelNotTrained 模型尚未训练。
	ErrModelNotTrained = New(ErrInternal, 500001, "model not trained", "train or load the model before predicting", nil)
	// ErrMathConvergence 数学计算未收敛。
	ErrMathConvergence = New(ErrInternal, 500002, "math convergence failed", "algorithm failed to converge", nil)
)
