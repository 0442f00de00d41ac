package internal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var tasksToStartTests = []struct {
	nodes, slots, running, queued int
	expected                      int
}{
	{0, 1, 0, 5, 0},
	{1, 1, 0, 5, 1},
	{1, 1, 1, 5, 0},
	{2, 4, 3, 10, 5},
	{3, 2, 0, 2, 2},
	// A zero slot count behaves like one slot per node
	{2, 0, 0, 5, 2},
	// More running than slots after a shrink
	{1, 1, 3, 2, 0},
}

func TestTasksToStart(t *testing.T) {
	for i, test := range tasksToStartTests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, test.expected, TasksToStart(test.nodes, test.slots, test.running, test.queued))
		})
	}
}

func TestResize(t *testing.T) {
	tests := []struct {
		current, idle, target int
		add, remove           int
	}{
		{0, 0, 3, 3, 0},
		{3, 3, 3, 0, 0},
		{5, 5, 2, 0, 3},
		{5, 1, 2, 0, 1},
		{2, 2, -1, 0, 2},
	}

	for _, test := range tests {
		add, remove := Resize(test.current, test.idle, test.target)
		assert.Equal(t, test.add, add, "add for %+v", test)
		assert.Equal(t, test.remove, remove, "remove for %+v", test)
	}
}
