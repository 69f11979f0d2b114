package distributor

// Partition splits transfers into contiguous batches of at most size
// elements. Concatenating the batches yields the input.
func Partition(transfers []TransferRequest, size int) [][]TransferRequest {
	if size < 1 {
		size = 1
	}
	if len(transfers) == 0 {
		return nil
	}
	batches := make([][]TransferRequest, 0, (len(transfers)+size-1)/size)
	for start := 0; start < len(transfers); start += size {
		end := min(start+size, len(transfers))
		batches = append(batches, transfers[start:end:end])
	}
	return batches
}
