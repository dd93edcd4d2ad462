package staff

import (
	"strings"
	"time"
)

// Device records a staff device that has presented a valid token to the server of record.
type Device struct {
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	StaffName  string    `gorm:"column:staff_name;size:320"`
	StaffEmail string    `gorm:"column:staff_email;size:320"`
	Roles      string    `gorm:"column:roles;size:190"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing staff devices.
func (Device) TableName() string {
	return "staff_devices"
}

// DisplayName returns the staff name, falling back to the device id.
func (d Device) DisplayName() string {
	if name := normalize(d.StaffName); name != "" {
		return name
	}
	return d.DeviceID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
