package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TunnelRecord journals one tunnel from open to close.
type TunnelRecord struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id" yaml:"id"`
	Resource        string     `gorm:"index;not null" json:"resource" yaml:"resource"`
	HostingWorkload string     `gorm:"not null" json:"hosting_workload" yaml:"hosting_workload"`
	LocalPort       int        `gorm:"not null" json:"local_port" yaml:"local_port"`
	URL             string     `json:"url,omitempty" yaml:"url,omitempty"`
	OpenedAt        time.Time  `gorm:"not null" json:"opened_at" yaml:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty" yaml:"closed_at,omitempty"`
	CloseReason     string     `gorm:"default:''" json:"close_reason,omitempty" yaml:"close_reason,omitempty"`
}
