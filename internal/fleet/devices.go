package fleet

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/store"
	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// CreateDevice attaches a new device to an existing gateway. Devices start offline.
func (s *Service) CreateDevice(ctx context.Context, req model.CreateDeviceRequest) (*model.Device, error) {
	var details []model.FieldError
	name := strings.TrimSpace(req.Name)
	if name == "" {
		details = append(details, model.FieldError{Field: "name", Message: "required"})
	}
	if req.GatewayID == "" {
		details = append(details, model.FieldError{Field: "gateway_id", Message: "required"})
	}
	if len(details) > 0 {
		return nil, model.NewValidationError("Invalid device", details...)
	}

	gw, err := s.store.GetGateway(ctx, req.GatewayID)
	if err != nil {
		return nil, fmt.Errorf("get gateway %s: %w", req.GatewayID, err)
	}
	if gw == nil {
		return nil, model.NewNotFoundError("gateway", req.GatewayID)
	}

	d := &model.Device{
		ID:        "dev_" + uuid.New().String(),
		Name:      name,
		GatewayID: gw.ID,
		Port:      req.Port,
		Status:    model.ResourceOffline,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	s.logger.Info("device created", "device_id", d.ID, "gateway_id", gw.ID)
	return d, nil
}

// GetDevice returns a device by id.
func (s *Service) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	d, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	if d == nil {
		return nil, model.NewNotFoundError("device", id)
	}
	return d, nil
}

// ListDevices returns a page of devices.
func (s *Service) ListDevices(ctx context.Context, opts model.ListOptions) ([]*model.Device, int, error) {
	opts.Clamp()
	return s.store.ListDevices(ctx, opts)
}

// ListGatewayDevices returns every device attached to a gateway.
func (s *Service) ListGatewayDevices(ctx context.Context, gatewayID string) ([]*model.Device, error) {
	if _, err := s.GetGateway(ctx, gatewayID); err != nil {
		return nil, err
	}
	return s.store.ListDevicesByGateway(ctx, gatewayID)
}

// DeleteDevice removes a device that no unfinished job refers to.
// Finished jobs keep the device id for history.
func (s *Service) DeleteDevice(ctx context.Context, id string) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, err := tx.GetDevice(ctx, id)
		if err != nil {
			return fmt.Errorf("get device %s: %w", id, err)
		}
		if d == nil {
			return model.NewNotFoundError("device", id)
		}
		n, err := tx.CountJobsForDevice(ctx, id, model.StatusPreparing, model.StatusPending, model.StatusRunning)
		if err != nil {
			return fmt.Errorf("count jobs for %s: %w", id, err)
		}
		if n > 0 {
			return model.NewPreconditionError("device %s has %d unfinished job(s)", id, n)
		}
		return tx.DeleteDevice(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("device deleted", "device_id", id)
	return nil
}

// SetDeviceStatus lets an operator take a device offline or bring it back.
// Busy is reserved for dispatch and cannot be set, and a busy device cannot
// be overridden while its job runs.
func (s *Service) SetDeviceStatus(ctx context.Context, id string, status model.ResourceStatus) (*model.Device, error) {
	if status != model.ResourceAvailable && status != model.ResourceOffline {
		return nil, model.NewValidationError("Invalid device status",
			model.FieldError{Field: "status", Message: "must be available or offline"})
	}

	var result *model.Device
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, err := tx.GetDevice(ctx, id)
		if err != nil {
			return fmt.Errorf("get device %s: %w", id, err)
		}
		if d == nil {
			return model.NewNotFoundError("device", id)
		}
		if d.Status == model.ResourceBusy {
			return model.NewPreconditionError("device %s is busy", id)
		}
		d.Status = status
		if status == model.ResourceAvailable {
			now := s.now()
			d.LastSeen = &now
		}
		result = d
		return tx.UpdateDevice(ctx, d)
	})
	return result, err
}
