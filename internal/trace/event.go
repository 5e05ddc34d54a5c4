package trace

// Kind discriminates the two event shapes a hub carries.
type Kind string

const (
	KindLog       Kind = "log"
	KindJobStatus Kind = "job_status"
)

// Level is the severity of a log event.
//
// Lines read from a child's stderr are published at LevelWarn, not
// LevelError. LevelError is reserved for failures of the stream itself and
// for errors handed to Hub.Destroy. Consumers rely on this mapping; keep it.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// StepAction marks the boundary of a job step.
type StepAction string

const (
	StepStart StepAction = "start"
	StepEnd   StepAction = "end"
)

// Stream names one of the two captured output channels of a job.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// level returns the log level lines from s are published with.
func (s Stream) level() Level {
	if s == Stderr {
		return LevelWarn
	}
	return LevelInfo
}

// Event is an immutable trace record. Kind selects which fields are
// meaningful: Level and Text for KindLog; Status, Step, StepAction and
// QueueLength for KindJobStatus. Build events with NewLog and NewJobStatus.
type Event struct {
	Kind        Kind       `json:"kind"`
	Level       Level      `json:"level,omitempty"`
	Text        string     `json:"text,omitempty"`
	Status      string     `json:"status,omitempty"`
	Step        string     `json:"step,omitempty"`
	StepAction  StepAction `json:"step_action,omitempty"`
	QueueLength *int       `json:"queue_length,omitempty"`
}

// NewLog returns a log event.
func NewLog(level Level, text string) Event {
	return Event{Kind: KindLog, Level: level, Text: text}
}

// NewJobStatus returns a job_status event with only the status set.
func NewJobStatus(status string) Event {
	return Event{Kind: KindJobStatus, Status: status}
}

// WithStep returns a copy of e annotated with a step boundary.
func (e Event) WithStep(step string, action StepAction) Event {
	e.Step = step
	e.StepAction = action
	return e
}

// WithQueueLength returns a copy of e carrying the current queue length.
func (e Event) WithQueueLength(n int) Event {
	e.QueueLength = &n
	return e
}
