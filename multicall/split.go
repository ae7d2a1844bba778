package multicall

// SplitBatches partitions transfers into groups that each fit within the
// block gas budget margin*blockGasLimit given the current per-call estimate.
// Transfers are grouped by token fingerprint first; a group never mixes
// tokens. maxBatch additionally caps the group size.
func SplitBatches(transfers []Transfer, perCallGas, blockGasLimit uint64, margin float64, maxBatch int) [][]Transfer {
	if len(transfers) == 0 {
		return nil
	}
	budget := uint64(margin * float64(blockGasLimit))
	maxPer := 1
	if perCallGas > 0 && budget > fallbackOverhead {
		maxPer = int((budget - fallbackOverhead) / perCallGas)
	}
	if maxPer < 1 {
		maxPer = 1
	}
	if maxBatch > 0 && maxPer > maxBatch {
		maxPer = maxBatch
	}

	// Group by token, preserving first-occurrence order.
	var order []string
	groups := make(map[string][]Transfer)
	for _, t := range transfers {
		fp := t.Fingerprint()
		if _, ok := groups[fp]; !ok {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], t)
	}

	var out [][]Transfer
	for _, fp := range order {
		group := groups[fp]
		for len(group) > maxPer {
			out = append(out, group[:maxPer])
			group = group[maxPer:]
		}
		if len(group) > 0 {
			out = append(out, group)
		}
	}
	return out
}
