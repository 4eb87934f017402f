package types

// Version is the runtime protocol version. It governs which environment
// variables are injected, where logs live inside the pod, and how proxied
// calls authenticate.
type Version string

const (
	V2 Version = "v2"
	V4 Version = "v4"
	V5 Version = "v5"
)

func (v Version) Valid() bool {
	return v == V2 || v == V4 || v == V5
}

// CreateRequest carries the parameters of a runtime create, including the
// optional build step.
type CreateRequest struct {
	RuntimeID       string                 `json:"runtimeId"`
	Image           string                 `json:"image"`
	Entrypoint      string                 `json:"entrypoint"`
	Source          string                 `json:"source"`
	Destination     string                 `json:"destination"`
	Command         string                 `json:"command"`
	Variables       map[string]interface{} `json:"variables"`
	Timeout         int                    `json:"timeout"`
	CPUs            float64                `json:"cpus"`
	Memory          int64                  `json:"memory"`
	Version         Version                `json:"version"`
	Remove          bool                   `json:"remove"`
	OutputDirectory string                 `json:"outputDirectory"`
}

// LogEntry is one timestamped slice of build or execution output.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

type CreateResult struct {
	Output    []LogEntry `json:"output"`
	StartTime float64    `json:"startTime"`
	Duration  float64    `json:"duration"`
	Size      *int64     `json:"size,omitempty"`
	Path      string     `json:"path,omitempty"`
}

// ExecuteRequest carries an invocation. The creation parameters are present so
// a missing runtime can be created on the fly.
type ExecuteRequest struct {
	RuntimeID string            `json:"runtimeId"`
	Body      string            `json:"body"`
	Path      string            `json:"path"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Timeout   int               `json:"timeout"`
	Logging   bool              `json:"logging"`

	Image      string                 `json:"image"`
	Entrypoint string                 `json:"entrypoint"`
	Source     string                 `json:"source"`
	Variables  map[string]interface{} `json:"variables"`
	CPUs       float64                `json:"cpus"`
	Memory     int64                  `json:"memory"`
	Version    Version                `json:"version"`
}

// ExecuteResult mirrors the in-pod server's response plus harvested logs.
// Header values are either a string or an ordered []string when the proxied
// response repeated the header.
type ExecuteResult struct {
	StatusCode int                    `json:"statusCode"`
	Headers    map[string]interface{} `json:"headers"`
	Body       string                 `json:"body"`
	Logs       string                 `json:"logs"`
	Errors     string                 `json:"errors"`
	Duration   float64                `json:"duration"`
	StartTime  float64                `json:"startTime"`
}

// Runtime is the external descriptor projected from deployment annotations.
// Timestamps are seconds with millisecond precision.
type Runtime struct {
	Version     Version `json:"version"`
	Created     float64 `json:"created"`
	Updated     float64 `json:"updated"`
	Name        string  `json:"name"`
	Hostname    string  `json:"hostname"`
	Status      string  `json:"status"`
	Key         string  `json:"key"`
	Listening   int     `json:"listening"`
	Image       string  `json:"image"`
	Initialised int     `json:"initialised"`
}

type CommandRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

type CommandResult struct {
	Output string `json:"output"`
}
