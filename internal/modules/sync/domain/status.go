package domain

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusSyncing      Status = "syncing"
	StatusSynced       Status = "synced"
	StatusOffline      Status = "offline"
)

type StatusSnapshot struct {
	Status       Status `json:"status"`
	PendingCount int    `json:"pendingCount"`
}
