// Package model defines the state entities the reconciliation engine
// compares and converges: applications, services, images, networks and
// volumes, plus the step records the planner emits.
package model

// ServiceStatus mirrors the lifecycle states a service can be observed in,
// either at the target (declared) or current (runtime-observed) side.
type ServiceStatus string

const (
	StatusInstalling ServiceStatus = "Installing"
	StatusInstalled  ServiceStatus = "Installed"
	StatusStarting   ServiceStatus = "Starting"
	StatusRunning    ServiceStatus = "Running"
	StatusStopping   ServiceStatus = "Stopping"
	StatusStopped    ServiceStatus = "Stopped"
	StatusDead       ServiceStatus = "Dead"
	StatusExited     ServiceStatus = "exited"
	StatusDownloading ServiceStatus = "Downloading"
)

// VolatileOverlay is per-service runtime intent superimposed on the stored
// target without mutating it. It is set by the Control API (e.g. after an
// explicit stop) and cleared whenever target state changes for the app.
type VolatileOverlay struct {
	Running bool
}

// Service is keyed by (AppID, Name) and uniquely by ImageID within its
// release.
type Service struct {
	ServiceID   int64
	AppID       int64
	Name        string
	ImageID     int64
	ReleaseID   int64
	ContainerID string // present only when instantiated in the runtime
	Status      ServiceStatus
	Labels      map[string]string
	Env         map[string]string
	Overlay     *VolatileOverlay // nil unless explicitly set

	// NetworkNames and VolumeNames are the names of this app's networks
	// and volumes this service mounts; used by the planner to order
	// prerequisite steps ahead of service steps.
	NetworkNames []string
	VolumeNames  []string

	// CreatedAt approximates the runtime's container-creation timestamp,
	// used to break ties when duplicate containers exist for the same
	// (AppID, Name).
	CreatedAt int64

	// Handover marks a service whose update should use start-new ->
	// quiesce-old -> stop-old semantics instead of kill+start.
	Handover bool
}

// ImageStatus mirrors the lifecycle of an image pull/removal.
type ImageStatus string

const (
	ImageStatusDownloading ImageStatus = "Downloading"
	ImageStatusDownloaded  ImageStatus = "Downloaded"
	ImageStatusDeleting    ImageStatus = "Deleting"
)

// Image is keyed by ImageID.
type Image struct {
	ImageID          int64
	Name             string
	AppID            int64
	ServiceName      string
	ReleaseID        int64
	DockerImageID     string
	Status           ImageStatus
	DownloadProgress *int // 0-100, nil when unknown
}

// Network is keyed by (AppID, Name); Config is compared structurally.
type Network struct {
	AppID  int64
	Name   string
	Config map[string]string
}

// Volume is keyed by (AppID, Name); Config is compared structurally.
type Volume struct {
	AppID  int64
	Name   string
	Config map[string]string
}

// Application is keyed by AppID and owns at most one target and one
// current instantiation at any time.
type Application struct {
	AppID     int64
	Commit    string
	Name      string
	Source    string
	ReleaseID int64

	Services []Service
	Networks []Network
	Volumes  []Volume
}

// Target is the full declared state for all applications plus
// device-level settings (spec.md §3, §4.2).
type Target struct {
	Local *LocalTarget            `json:"local"`
	Apps  map[int64]*Application  `json:"apps"`
}

// LocalTarget carries host-level settings that must converge before any
// app-level steps are planned (spec.md §4.4 step 2).
type LocalTarget struct {
	Config map[string]string `json:"config"`
}

// ServiceKey uniquely identifies a service within an app.
type ServiceKey struct {
	AppID int64
	Name  string
}
