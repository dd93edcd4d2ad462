package staff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidDevice indicates the claims did not contain a usable device identifier.
var ErrInvalidDevice = errors.New("staff: invalid device")

// DirectoryConfig describes the dependencies of a Directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Directory remembers which staff member operates which device so verdicts can name the
// admitting staff.
type Directory struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewDirectory constructs the staff directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("staff: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch registers or refreshes the device described by validated token claims.
func (d *Directory) Touch(ctx context.Context, claims auth.StaffClaims) (Device, error) {
	deviceID := normalize(claims.DeviceID)
	if deviceID == "" {
		return Device{}, ErrInvalidDevice
	}

	var device Device
	err := d.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		device = Device{
			DeviceID:   deviceID,
			StaffName:  normalize(claims.StaffName),
			StaffEmail: normalize(claims.StaffEmail),
			Roles:      strings.Join(claims.Roles, ","),
			LastSeenAt: d.now().UTC(),
		}
		if err := d.db.WithContext(ctx).Create(&device).Error; err != nil {
			return Device{}, err
		}
	} else if err != nil {
		return Device{}, err
	} else {
		updates := map[string]interface{}{}
		if name := normalize(claims.StaffName); name != "" && name != device.StaffName {
			updates["staff_name"] = name
			device.StaffName = name
		}
		if email := normalize(claims.StaffEmail); email != "" && email != device.StaffEmail {
			updates["staff_email"] = email
			device.StaffEmail = email
		}
		if roles := strings.Join(claims.Roles, ","); roles != "" && roles != device.Roles {
			updates["roles"] = roles
			device.Roles = roles
		}
		device.LastSeenAt = d.now().UTC()
		updates["last_seen_at"] = device.LastSeenAt
		_ = d.db.WithContext(ctx).Model(&Device{}).
			Where("device_id = ?", deviceID).
			Updates(updates).
			Error
	}

	d.cache.Store(deviceID, device)
	return device, nil
}

// Lookup returns the registered device, consulting the cache first.
func (d *Directory) Lookup(ctx context.Context, deviceID string) (Device, bool, error) {
	deviceID = normalize(deviceID)
	if deviceID == "" {
		return Device{}, false, nil
	}
	if cached, ok := d.cache.Load(deviceID); ok {
		if device, ok := cached.(Device); ok {
			return device, true, nil
		}
	}
	var device Device
	err := d.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, err
	}
	d.cache.Store(deviceID, device)
	return device, true, nil
}

// StaffName resolves a display name for the device, or the device id when unknown.
func (d *Directory) StaffName(ctx context.Context, deviceID string) string {
	device, ok, err := d.Lookup(ctx, deviceID)
	if err != nil || !ok {
		return deviceID
	}
	return device.DisplayName()
}
