package util

// Batch splits elements into consecutive chunks of at most batchSize elements.
// A non-positive batchSize yields a single chunk holding every element.
func Batch[T any](elements []T, batchSize int) [][]T {
	if batchSize <= 0 {
		batchSize = len(elements)
	}
	batches := make([][]T, 0, numBatches(len(elements), batchSize))
	for start := 0; start < len(elements); start += batchSize {
		end := start + batchSize
		if end > len(elements) {
			end = len(elements)
		}
		batches = append(batches, elements[start:end])
	}
	return batches
}

func numBatches(total int, batchSize int) int {
	if batchSize == 0 {
		return 0
	}
	n := total / batchSize
	if total%batchSize != 0 {
		n++
	}
	return n
}
