// Package fleet manages gateways and devices: registration, token
// verification, heartbeats and availability.
package fleet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/store"
	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// Service implements gateway and device operations.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a fleet Service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With("component", "fleet"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HashToken returns the hex-encoded SHA-256 of a gateway token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// --- Gateways ---

// CreateGateway registers a new gateway and returns it with its plaintext
// token. Only the token's hash is stored; the token cannot be recovered later.
func (s *Service) CreateGateway(ctx context.Context, req model.CreateGatewayRequest) (*model.Gateway, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, "", model.NewValidationError("Invalid gateway", model.FieldError{Field: "name", Message: "required"})
	}
	existing, err := s.store.GetGatewayByName(ctx, name)
	if err != nil {
		return nil, "", fmt.Errorf("lookup gateway %s: %w", name, err)
	}
	if existing != nil {
		return nil, "", model.NewPreconditionError("gateway name %q is already taken", name)
	}

	token, err := generateToken()
	if err != nil {
		return nil, "", err
	}
	gw := &model.Gateway{
		ID:           "gw_" + uuid.New().String(),
		Name:         name,
		Address:      req.Address,
		TokenHash:    HashToken(token),
		Verification: model.Unverified,
		Status:       model.ResourceOffline,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateGateway(ctx, gw); err != nil {
		return nil, "", fmt.Errorf("create gateway: %w", err)
	}

	s.logger.Info("gateway created", "gateway_id", gw.ID, "name", gw.Name)
	return gw, token, nil
}

// VerifyGateway marks a gateway verified when the presented token matches.
func (s *Service) VerifyGateway(ctx context.Context, req model.RegisterGatewayRequest) (*model.Gateway, error) {
	gw, err := s.store.GetGatewayByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("lookup gateway %s: %w", req.Name, err)
	}
	if gw == nil {
		return nil, model.NewNotFoundError("gateway", req.Name)
	}
	if gw.Verification == model.Verified {
		return nil, model.NewPreconditionError("gateway %s is already verified", gw.Name)
	}
	if !tokenMatches(gw.TokenHash, req.Token) {
		return nil, &model.UnauthorizedError{Message: "invalid gateway token"}
	}

	gw.Verification = model.Verified
	if err := s.store.UpdateGateway(ctx, gw); err != nil {
		return nil, fmt.Errorf("verify gateway: %w", err)
	}
	s.logger.Info("gateway verified", "gateway_id", gw.ID)
	return gw, nil
}

// Authenticate returns the gateway whose token matches, or an UnauthorizedError.
// Gateways must be verified before they can authenticate.
func (s *Service) Authenticate(ctx context.Context, gatewayID, token string) (*model.Gateway, error) {
	gw, err := s.store.GetGateway(ctx, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("get gateway %s: %w", gatewayID, err)
	}
	if gw == nil || !tokenMatches(gw.TokenHash, token) {
		return nil, &model.UnauthorizedError{Message: "invalid gateway credentials"}
	}
	if gw.Verification != model.Verified {
		return nil, &model.UnauthorizedError{Message: "gateway is not verified"}
	}
	return gw, nil
}

func tokenMatches(hash, token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashToken(token))) == 1
}

// GetGateway returns a gateway by id.
func (s *Service) GetGateway(ctx context.Context, id string) (*model.Gateway, error) {
	gw, err := s.store.GetGateway(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get gateway %s: %w", id, err)
	}
	if gw == nil {
		return nil, model.NewNotFoundError("gateway", id)
	}
	return gw, nil
}

// ListGateways returns a page of gateways.
func (s *Service) ListGateways(ctx context.Context, opts model.ListOptions) ([]*model.Gateway, int, error) {
	opts.Clamp()
	return s.store.ListGateways(ctx, opts)
}

// Heartbeat records that a gateway is alive and which of its devices it can
// currently reach. Listed devices come back online; unlisted devices go
// offline unless they are busy with a running job.
func (s *Service) Heartbeat(ctx context.Context, gatewayID string, activeDeviceIDs []string) (*model.Gateway, error) {
	active := make(map[string]bool, len(activeDeviceIDs))
	for _, id := range activeDeviceIDs {
		active[id] = true
	}

	var result *model.Gateway
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		gw, err := tx.GetGateway(ctx, gatewayID)
		if err != nil {
			return fmt.Errorf("get gateway %s: %w", gatewayID, err)
		}
		if gw == nil {
			return model.NewNotFoundError("gateway", gatewayID)
		}

		now := s.now()
		devices, err := tx.ListDevicesByGateway(ctx, gatewayID)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devices {
			changed := false
			switch {
			case active[d.ID]:
				if d.Status == model.ResourceOffline {
					d.Status = model.ResourceAvailable
				}
				d.LastSeen = &now
				changed = true
			case d.Status == model.ResourceAvailable:
				d.Status = model.ResourceOffline
				changed = true
			}
			if !changed {
				continue
			}
			if err := tx.UpdateDevice(ctx, d); err != nil {
				return fmt.Errorf("update device %s: %w", d.ID, err)
			}
		}

		if gw.Status == model.ResourceOffline {
			gw.Status = model.ResourceAvailable
		}
		gw.LastSeen = &now
		if err := tx.UpdateGateway(ctx, gw); err != nil {
			return fmt.Errorf("update gateway %s: %w", gatewayID, err)
		}
		result = gw
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("gateway heartbeat", "gateway_id", gatewayID, "active_devices", len(activeDeviceIDs))
	return result, nil
}

// DeviceHeartbeat refreshes a single device's last_seen and brings it back online.
func (s *Service) DeviceHeartbeat(ctx context.Context, deviceID string) (*model.Device, error) {
	var result *model.Device
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("get device %s: %w", deviceID, err)
		}
		if d == nil {
			return model.NewNotFoundError("device", deviceID)
		}
		now := s.now()
		if d.Status == model.ResourceOffline {
			d.Status = model.ResourceAvailable
		}
		d.LastSeen = &now
		result = d
		return tx.UpdateDevice(ctx, d)
	})
	return result, err
}

// SweepStale marks gateways and devices offline whose last heartbeat is older
// than cutoff. Busy devices are left alone. It returns the number changed.
func (s *Service) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	changed := 0
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		changed = 0
		opts := model.ListOptions{Limit: 100}
		for {
			gateways, total, err := tx.ListGateways(ctx, opts)
			if err != nil {
				return fmt.Errorf("list gateways: %w", err)
			}
			for _, gw := range gateways {
				if gw.Status == model.ResourceOffline || !stale(gw.LastSeen, cutoff) {
					continue
				}
				gw.Status = model.ResourceOffline
				if err := tx.UpdateGateway(ctx, gw); err != nil {
					return err
				}
				changed++
				s.logger.Info("gateway went silent", "gateway_id", gw.ID)
			}
			opts.Offset += len(gateways)
			if len(gateways) == 0 || opts.Offset >= total {
				break
			}
		}

		devices, _, err := tx.ListDevices(ctx, model.ListOptions{Limit: -1, Status: string(model.ResourceAvailable)})
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devices {
			if !stale(d.LastSeen, cutoff) {
				continue
			}
			d.Status = model.ResourceOffline
			if err := tx.UpdateDevice(ctx, d); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return changed, err
}

func stale(lastSeen *time.Time, cutoff time.Time) bool {
	return lastSeen == nil || lastSeen.Before(cutoff)
}
