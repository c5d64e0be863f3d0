package activitymap

import "fmt"

// UniformFilter applies a box filter of width size along every axis of a
// row-major array with the given shape. Samples outside the array count as
// zero. Along each axis the window for output index i covers input indices
// [i-size/2, i-size/2+size-1] and the sum is divided by size, so a full
// n-D window averages size^n samples.
func UniformFilter(data []float64, shape []int, size int) ([]float64, error) {
	if size <= 0 {
		return nil, fmt.Errorf("filter size must be positive, got %d", size)
	}
	total := 1
	for _, n := range shape {
		if n <= 0 {
			return nil, fmt.Errorf("invalid shape %v", shape)
		}
		total *= n
	}
	if total != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}

	out := make([]float64, len(data))
	copy(out, data)
	if size == 1 {
		return out, nil
	}

	maxLen := 0
	for _, n := range shape {
		if n > maxLen {
			maxLen = n
		}
	}
	line := make([]float64, maxLen)
	prefix := make([]float64, maxLen+1)

	for axis, n := range shape {
		stride := 1
		for _, m := range shape[axis+1:] {
			stride *= m
		}
		outer := total / (n * stride)

		for o := 0; o < outer; o++ {
			for inner := 0; inner < stride; inner++ {
				start := o*n*stride + inner
				for i := 0; i < n; i++ {
					line[i] = out[start+i*stride]
				}
				filterLine(line[:n], prefix[:n+1], size)
				for i := 0; i < n; i++ {
					out[start+i*stride] = line[i]
				}
			}
		}
	}
	return out, nil
}

// filterLine replaces line with its zero-padded running mean
func filterLine(line, prefix []float64, size int) {
	n := len(line)
	prefix[0] = 0
	for i, v := range line {
		prefix[i+1] = prefix[i] + v
	}

	offset := size / 2
	for i := 0; i < n; i++ {
		lo := i - offset
		hi := lo + size - 1
		if lo < 0 {
			lo = 0
		}
		if hi > n-1 {
			hi = n - 1
		}
		if lo > hi {
			line[i] = 0
			continue
		}
		line[i] = (prefix[hi+1] - prefix[lo]) / float64(size)
	}
}
