package linalg

import (
	"math"
	"math/rand/v2"

	"github.com/wyfcoding/recsys/xerrors"
)

// SVD 截断奇异值分解结果: A ≈ U * diag(Sigma) * V^T.
// U 为 m x k，V 为 n x k，奇异值降序排列。
type SVD struct {
	U     *Matrix
	V     *Matrix
	Sigma []float64
}

const (
	svdMaxIterations = 200
	svdTolerance     = 1e-10
	// 固定种子保证训练结果可复现。
	svdSeed = 42
)

// TruncatedSVD 通过子空间迭代计算前 k 个奇异三元组.
// 对 V 做幂迭代 (A^T A) V 并在每轮做 Gram-Schmidt 正交化，
// 奇异值估计稳定后提前退出。
func TruncatedSVD(a *Matrix, k int) (*SVD, error) {
	if a == nil || a.Rows == 0 || a.Cols == 0 {
		return nil, xerrors.ErrEmptyData
	}
	if k < 1 || k > min(a.Rows, a.Cols) {
		return nil, xerrors.ErrInvalidComponents
	}

	v := randomOrthonormal(a.Cols, k)
	at := a.Transpose()

	prev := make([]float64, k)
	sigma := make([]float64, k)

	for iter := 0; iter < svdMaxIterations; iter++ {
		// B = A^T (A V)
		av, err := a.Multiply(v)
		if err != nil {
			return nil, err
		}
		b, err := at.Multiply(av)
		if err != nil {
			return nil, err
		}

		norms := orthonormalize(b)
		v = b

		// 奇异值估计: sigma_j^2 ≈ ||A^T A v_j||
		converged := true
		for j := range k {
			s := math.Sqrt(norms[j])
			sigma[j] = s
			if math.Abs(s-prev[j]) > svdTolerance*(1+s) {
				converged = false
			}
			prev[j] = s
		}
		if converged && iter > 0 {
			break
		}
	}

	// U = A V / sigma，并以实际 ||A v_j|| 作为最终奇异值
	av, err := a.Multiply(v)
	if err != nil {
		return nil, err
	}

	u := NewMatrix(a.Rows, k)
	for j := range k {
		var norm float64
		for i := range a.Rows {
			val := av.Get(i, j)
			norm += val * val
		}
		norm = math.Sqrt(norm)
		sigma[j] = norm

		if norm > 0 {
			for i := range a.Rows {
				u.Set(i, j, av.Get(i, j)/norm)
			}
		}
	}

	sortBySigma(u, v, sigma)

	return &SVD{U: u, V: v, Sigma: sigma}, nil
}

// Transform 计算 A 在右奇异子空间上的投影: A V (即 U * diag(Sigma)).
func (s *SVD) Transform(a *Matrix) (*Matrix, error) {
	return a.Multiply(s.V)
}

// randomOrthonormal 生成确定性的 n x k 正交初始矩阵.
func randomOrthonormal(n, k int) *Matrix {
	rng := rand.New(rand.NewPCG(svdSeed, 0))

	m := NewMatrix(n, k)
	for i := range m.Data {
		m.Data[i] = rng.NormFloat64()
	}
	orthonormalize(m)

	return m
}

// orthonormalize 对矩阵的列做修正 Gram-Schmidt 正交化.
// 返回正交化前各列在去除前序分量后的平方范数，供奇异值估计使用。
func orthonormalize(m *Matrix) []float64 {
	sqNorms := make([]float64, m.Cols)

	for j := range m.Cols {
		// 去除前序列分量
		for p := 0; p < j; p++ {
			var dot float64
			for i := range m.Rows {
				dot += m.Get(i, j) * m.Get(i, p)
			}
			for i := range m.Rows {
				m.Set(i, j, m.Get(i, j)-dot*m.Get(i, p))
			}
		}

		var sq float64
		for i := range m.Rows {
			val := m.Get(i, j)
			sq += val * val
		}
		sqNorms[j] = sq

		norm := math.Sqrt(sq)
		if norm < 1e-12 {
			// 退化列，保持为零向量
			for i := range m.Rows {
				m.Set(i, j, 0)
			}

			continue
		}
		for i := range m.Rows {
			m.Set(i, j, m.Get(i, j)/norm)
		}
	}

	return sqNorms
}

// sortBySigma 将三元组按奇异值降序重排.
func sortBySigma(u, v *Matrix, sigma []float64) {
	k := len(sigma)
	for a := range k {
		maxIdx := a
		for b := a + 1; b < k; b++ {
			if sigma[b] > sigma[maxIdx] {
				maxIdx = b
			}
		}
		if maxIdx == a {
			continue
		}

		sigma[a], sigma[maxIdx] = sigma[maxIdx], sigma[a]
		for i := range u.Rows {
			va, vb := u.Get(i, a), u.Get(i, maxIdx)
			u.Set(i, a, vb)
			u.Set(i, maxIdx, va)
		}
		for i := range v.Rows {
			va, vb := v.Get(i, a), v.Get(i, maxIdx)
			v.Set(i, a, vb)
			v.Set(i, maxIdx, va)
		}
	}
}
