// Package linalg 提供了推荐模型所需的稠密矩阵与向量运算.
package linalg

import (
	"math"

	"github.com/wyfcoding/recsys/xerrors"
)

// Matrix 定义基础矩阵结构.
type Matrix struct {
	Data []float64
	Rows int
	Cols int
}

// NewMatrix 创建一个 r x c 的零矩阵.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

// NewMatrixFromData 从二维切片创建矩阵.
func NewMatrixFromData(data [][]float64) (*Matrix, error) {
	rows := len(data)
	if rows == 0 {
		return nil, xerrors.ErrEmptyData
	}

	cols := len(data[0])
	mat := NewMatrix(rows, cols)

	for i := range rows {
		if len(data[i]) != cols {
			return nil, xerrors.ErrDimMismatch
		}

		for j := range cols {
			mat.Set(i, j, data[i][j])
		}
	}

	return mat, nil
}

// Get 获取元素 (i, j).
func (m *Matrix) Get(row, col int) float64 {
	return m.Data[row*m.Cols+col]
}

// Set 设置元素 (i, j).
func (m *Matrix) Set(row, col int, val float64) {
	m.Data[row*m.Cols+col] = val
}

// Row 返回第 i 行的切片视图，调用方不得修改长度.
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Transpose 矩阵转置.
func (m *Matrix) Transpose() *Matrix {
	res := NewMatrix(m.Cols, m.Rows)
	for i := range m.Rows {
		for j := range m.Cols {
			res.Set(j, i, m.Get(i, j))
		}
	}

	return res
}

// MultiplyVector 矩阵向量乘法: y = A * x.
func (m *Matrix) MultiplyVector(vec []float64) ([]float64, error) {
	if len(vec) != m.Cols {
		return nil, xerrors.ErrDimMismatch
	}

	res := make([]float64, m.Rows)
	for i := range m.Rows {
		var sum float64
		rowOffset := i * m.Cols
		for j := range m.Cols {
			sum += m.Data[rowOffset+j] * vec[j]
		}

		res[i] = sum
	}

	return res, nil
}

// Multiply 矩阵乘法: C = A * B.
func (m *Matrix) Multiply(other *Matrix) (*Matrix, error) {
	if m.Cols != other.Rows {
		return nil, xerrors.ErrDimMismatch
	}

	res := NewMatrix(m.Rows, other.Cols)

	for i := range m.Rows {
		rowOffsetA := i * m.Cols
		rowOffsetC := i * res.Cols

		for k := range m.Cols {
			valA := m.Data[rowOffsetA+k]
			rowOffsetB := k * other.Cols

			for j := range other.Cols {
				res.Data[rowOffsetC+j] += valA * other.Data[rowOffsetB+j]
			}
		}
	}

	return res, nil
}

// Dot 向量点积.
func Dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

// Norm 向量二范数.
func Norm(a []float64) float64 {
	return math.Sqrt(Dot(a, a))
}

// CosineSimilarity 计算两向量的余弦相似度，零向量返回 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	na := Norm(a)
	nb := Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}

	return Dot(a, b) / (na * nb)
}
