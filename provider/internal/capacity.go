package internal

// TasksToStart returns how many queued tasks fit in the free slots of a pool.
func TasksToStart(nodes, slotsPerNode, runningTasks, queuedTasks int) int {
	free := nodes*max(slotsPerNode, 1) - runningTasks
	return max(0, min(free, queuedTasks))
}

// Resize returns how many nodes to add or remove to go from current to target.
// Busy nodes are never removed: only idle ones count as removable.
func Resize(current, idle, target int) (add, remove int) {
	target = max(target, 0)
	switch {
	case target > current:
		return target - current, 0
	case target < current:
		return 0, min(current-target, idle)
	default:
		return 0, 0
	}
}
