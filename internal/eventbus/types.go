package eventbus

// Event types published by clusterkit components.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	ScheduleClaimed   = "schedule.claimed"
	ScheduleClaimLost = "schedule.claim_lost"
	ScheduleAttached  = "schedule.attached"
	ScheduleDetached  = "schedule.detached"
	ScheduleCancelled = "schedule.cancelled"

	LazyLoadPass = "lazyload.pass"
	LazyLoadDone = "lazyload.done"

	LogAlert    = "log.alert"
	BeanPublish = "bean.publish"
)
