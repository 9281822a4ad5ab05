package store

import (
	"context"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// Store defines the persistence layer for testbed entities.
//
// Lookups return (nil, nil) when the entity does not exist.
type Store interface {
	// Gateway CRUD
	CreateGateway(ctx context.Context, gw *model.Gateway) error
	GetGateway(ctx context.Context, id string) (*model.Gateway, error)
	GetGatewayByName(ctx context.Context, name string) (*model.Gateway, error)
	ListGateways(ctx context.Context, opts model.ListOptions) ([]*model.Gateway, int, error)
	UpdateGateway(ctx context.Context, gw *model.Gateway) error

	// Device CRUD
	CreateDevice(ctx context.Context, d *model.Device) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context, opts model.ListOptions) ([]*model.Device, int, error)
	ListDevicesByGateway(ctx context.Context, gatewayID string) ([]*model.Device, error)
	UpdateDevice(ctx context.Context, d *model.Device) error
	DeleteDevice(ctx context.Context, id string) error
	CountJobsForDevice(ctx context.Context, deviceID string, statuses ...model.Status) (int, error)

	// JobGroup operations. Groups are returned with their jobs in position order.
	CreateJobGroup(ctx context.Context, g *model.JobGroup) error
	GetJobGroup(ctx context.Context, id string) (*model.JobGroup, error)
	ListJobGroups(ctx context.Context, opts model.ListOptions) ([]*model.JobGroup, int, error)
	ListJobGroupsByStatus(ctx context.Context, status model.Status) ([]*model.JobGroup, error)
	UpdateJobGroup(ctx context.Context, g *model.JobGroup) error

	// Job operations
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	ListJobsByGroup(ctx context.Context, groupID string) ([]*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error

	// WithTx runs fn against a Store bound to a single transaction.
	// The transaction commits if fn returns nil and rolls back otherwise.
	// fn must only use the Store it is given.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
