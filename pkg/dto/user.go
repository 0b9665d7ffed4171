package dto

import "github.com/google/uuid"

type ReconcileResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Matched int       `json:"matched"`
}

type RepairRequest struct {
	DeleteOrphans bool `json:"delete_orphans"`
}

type RepairResponse struct {
	Scanned int `json:"scanned"`
	Fixed   int `json:"fixed"`
	Orphans int `json:"orphans"`
	Deleted int `json:"deleted"`
}
