package repository

import (
	"context"
	"io"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
)

// ContainerInfo is the Runtime Adapter's view of one container, as listed
// without a full inspect call.
type ContainerInfo struct {
	ID        string
	Names     []string
	Image     string
	ImageID   string
	Labels    map[string]string
	State     string
	Status    string
	CreatedAt int64
	Ports     []ContainerPort
}

// ContainerPort is a single published/exposed port on a container.
type ContainerPort struct {
	PrivatePort uint16
	PublicPort  uint16
	Protocol    string
}

// ContainerDetail is the Runtime Adapter's view of one container after a
// full inspect call.
type ContainerDetail struct {
	ContainerInfo
	ExitCode int
	Error    string
}

// ImageInfo is the Runtime Adapter's view of one image.
type ImageInfo struct {
	ID       string
	RepoTags []string
	Size     int64
}

// ServiceSpec is everything the Runtime Adapter needs to create a
// container for one target service.
type ServiceSpec struct {
	AppID       int64
	ServiceName string
	ImageID     int64
	Image       string
	Labels      map[string]string
	Env         map[string]string
	Networks    []string
	Volumes     []string
}

// PullProgress reports a single image-pull progress update.
type PullProgress struct {
	Status         string
	DownloadProgress *int // 0-100, nil when unknown
}

// RuntimeEvent is a single event from the runtime's event stream (e.g. a
// container dying out from under the supervisor).
type RuntimeEvent struct {
	Type       string
	ActorID    string
	Action     string
	Attributes map[string]string
}

// RuntimeAdapter is C3: the narrow capability surface over the local
// container runtime. It is the only component that performs runtime I/O;
// the planner and executor treat it as pure from their side. All
// operations are cancellable via ctx.
type RuntimeAdapter interface {
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	ListImages(ctx context.Context) ([]ImageInfo, error)
	Inspect(ctx context.Context, containerID string) (ContainerDetail, error)

	Create(ctx context.Context, spec ServiceSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeoutSeconds int) error
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error

	PullImage(ctx context.Context, name string, onProgress func(PullProgress)) (imageID string, err error)

	CreateNetwork(ctx context.Context, appID int64, net model.Network) error
	RemoveNetwork(ctx context.Context, appID int64, name string) error
	CreateVolume(ctx context.Context, appID int64, vol model.Volume) error
	RemoveVolume(ctx context.Context, appID int64, name string) error

	// Events streams runtime events until ctx is cancelled or the stream
	// ends. Implementations must close the returned channel when done.
	Events(ctx context.Context) (<-chan RuntimeEvent, error)

	// Ping checks connectivity to the runtime for health reporting.
	Ping(ctx context.Context) error

	io.Closer
}
