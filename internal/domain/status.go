package domain

// TaskStatus is the lifecycle state of a task result record. The absence of
// a record means Pending; Done and Failure are terminal and write-once,
// while a Retry record may still transition to Done or Failure.
type TaskStatus string

const (
	Pending TaskStatus = "PENDING"
	Done    TaskStatus = "DONE"
	Failure TaskStatus = "FAILURE"
	Retry   TaskStatus = "RETRY"
)

// Terminal reports whether no further status transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == Done || s == Failure
}
