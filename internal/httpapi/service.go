package httpapi

import (
	"context"

	"udevd/pkg/types"
)

// Service defines the control operations served by the API. The manager
// implements it.
type Service interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) (types.StatusResponse, error)
	Reload(ctx context.Context, force bool) error
	SetLogLevel(ctx context.Context, level string) error
	SetChildrenMax(ctx context.Context, n int) error
	StopExecQueue(ctx context.Context) error
	StartExecQueue(ctx context.Context) error
	SetEnvironment(ctx context.Context, env map[string]string) error
	UnsetEnvironment(ctx context.Context, keys []string) error
	Exit(ctx context.Context) error
}
