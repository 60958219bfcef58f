package model

import "time"

// Account is the opaque identity that owns meteringpoints, GGOs, and
// agreements. The engine never interprets Subject beyond equality; it is
// whatever the external identity collaborator issues.
type Account struct {
	Subject   string `gorm:"primaryKey;size:128"`
	CreatedAt time.Time
}
