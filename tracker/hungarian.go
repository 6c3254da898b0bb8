package tracker

import "math"

// forbiddenCost marks pairs the solver must never select, e.g. detections
// below the IoU gate.
const forbiddenCost = 1e18

// solveAssignment finds the minimum-cost row-to-column assignment for an
// n×m cost matrix in O(dim³). It returns assignment[row] = column, or -1 for
// rows left unassigned. Entries at or above forbiddenCost are never chosen.
//
// This is the Kuhn-Munkres algorithm with row/column potentials and shortest
// augmenting paths, padded to a square matrix when n != m.
func solveAssignment(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	if m == 0 {
		out := make([]int, n)
		for i := range out {
			out[i] = -1
		}
		return out
	}

	dim := n
	if m > dim {
		dim = m
	}
	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		for j := 0; j < dim; j++ {
			if i < n && j < m {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = forbiddenCost
			}
		}
	}

	// 1-indexed internally; column 0 is the virtual source of augmenting
	// paths.
	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	colRow := make([]int, dim+1)
	path := make([]int, dim+1)
	minv := make([]float64, dim+1)
	visited := make([]bool, dim+1)

	for row := 1; row <= dim; row++ {
		colRow[0] = row
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			visited[j] = false
		}

		for {
			visited[j0] = true
			i0 := colRow[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if visited[j] {
					continue
				}
				reduced := c[i0-1][j-1] - u[i0] - v[j]
				if reduced < minv[j] {
					minv[j] = reduced
					path[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
				if visited[j] {
					u[colRow[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if colRow[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			colRow[j0] = colRow[path[j0]]
			j0 = path[j0]
		}
	}

	rowCol := make([]int, dim)
	for i := range rowCol {
		rowCol[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if colRow[j] > 0 {
			rowCol[colRow[j]-1] = j - 1
		}
	}

	out := make([]int, n)
	for i := 0; i < n; i++ {
		col := rowCol[i]
		if col < 0 || col >= m || cost[i][col] >= forbiddenCost {
			out[i] = -1
		} else {
			out[i] = col
		}
	}
	return out
}
