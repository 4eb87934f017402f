package constants

import "time"

const (
	// AnnotationPrefix is the namespace for every runtime annotation. The prefix
	// is an external contract; tooling outside this repository selects on it.
	AnnotationPrefix = "appwrite.io/"

	// AnnotationPatchPrefix is AnnotationPrefix with the "/" escaped for use in
	// JSON-patch paths (RFC 6901).
	AnnotationPatchPrefix = "/metadata/annotations/appwrite.io~1"

	// Labels on every resource the executor materializes.
	LabelRole      = "role"
	LabelRuntimeID = "runtime-id"

	RoleRuntime = "runtime"
	RoleBuild   = "build"

	// RuntimePort is the port the in-pod server binds inside every runtime.
	RuntimePort = 3000

	// Container names inside the pods the executor creates.
	RuntimeContainer = "runtime-container"
	BuildContainer   = "build-container"
	InitContainer    = "init-container"

	// Log locations inside pods, per runtime protocol version.
	V2LogPath     = "/var/tmp/logs.txt"
	LoggingDir    = "/tmp/logging"
	BuildLogPath  = "/tmp/logging/logs.txt"
	TimingPath    = "/tmp/logging/timings.txt"
	ExecutionLogs = "/mnt/logs"

	// MaxLogSize caps harvested execution logs; anything above is truncated.
	MaxLogSize = 1024 * 1024

	// Lease coordinates the reaper across replicas.
	LeaseName            = "executor-maintenance-lock"
	LeaseDurationSeconds = 30

	// Defaults for optional env configuration.
	DefaultNamespace           = "default"
	DefaultPort                = 3000
	DefaultS3Region            = "us-east-1"
	DefaultMaintenanceInterval = 60
	DefaultInactiveThreshold   = 300

	DefaultBuildTimeout   = 600 * time.Second
	DefaultExecuteTimeout = 15 * time.Second
	ColdStartTimeout      = 60 * time.Second

	// StatusPoll is the cadence of every "wait for state" loop.
	StatusPoll = 500 * time.Millisecond
	// BuildPoll is the cadence of the build job wait loop.
	BuildPoll = time.Second

	// ListLimitDefault and ListLimitMax bound the runtimes list page size.
	ListLimitDefault = 25
	ListLimitMax     = 100

	// BuildJobTTL removes finished build/cleanup jobs from the cluster.
	BuildJobTTL = int32(3600)
)
