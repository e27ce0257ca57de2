package domain

// LifecycleEvent is broadcast when a task's status changes because of a
// conversation turn or an explicit completion.
type LifecycleEvent struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	State  int        `json:"state"`
}
