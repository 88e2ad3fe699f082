package sync

// ProgressSink is the only output surface the engine writes to. It never
// formats text for a terminal; presentation lives with the caller.
type ProgressSink interface {
	OnTaskStart(task *TransferTask)
	OnTaskDone(result *TaskResult)
	OnPassSummary(summary *Summary)
}

// NopSink discards all progress events.
type NopSink struct{}

func (NopSink) OnTaskStart(*TransferTask) {}
func (NopSink) OnTaskDone(*TaskResult)    {}
func (NopSink) OnPassSummary(*Summary)    {}
