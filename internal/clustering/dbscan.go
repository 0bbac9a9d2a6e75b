package clustering

import "math"

// Noise DBSCAN 中未归入任何簇的点
const Noise = -1

const unvisited = -2

// CosineDistance 1 - cos(a, b)。任一向量为零向量时距离为 1
func CosineDistance(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// DBSCAN 基于余弦距离的密度聚类。
// 邻域包含点自身；邻居数不少于 minSamples 的点为核心点。
// 返回与输入等长的标签，簇从 0 开始编号，噪声为 Noise。
func DBSCAN(points [][]float32, eps float64, minSamples int) []int {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	// 点数受 fetch_limit 限制，直接预计算邻接表
	neighbors := make([][]int, len(points))
	for i := range points {
		neighbors[i] = append(neighbors[i], i)
		for j := i + 1; j < len(points); j++ {
			if CosineDistance(points[i], points[j]) <= eps {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		if len(neighbors[i]) < minSamples {
			labels[i] = Noise
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), neighbors[i]...)
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == Noise {
				// 边界点
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if len(neighbors[j]) >= minSamples {
				queue = append(queue, neighbors[j]...)
			}
		}
		cluster++
	}
	return labels
}
