package cluster

import (
	"encoding/json"
	"os"
	"time"
)

// DeviceStatus is the lifecycle state of a device inside the cluster record.
type DeviceStatus string

const (
	StatusStarting DeviceStatus = "starting"
	StatusStandby  DeviceStatus = "standby"
	StatusMaster   DeviceStatus = "master"
	StatusOffline  DeviceStatus = "offline"
)

// MasterInfo identifies the elected leader and its liveness markers.
type MasterInfo struct {
	Device        string     `json:"device"`
	StartedAt     time.Time  `json:"startedAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
}

// Device is one registered device's entry in the shared record.
type Device struct {
	Priority      int          `json:"priority"`
	Status        DeviceStatus `json:"status"`
	LastSeen      time.Time    `json:"lastSeen"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// Record is the replicated cluster document shared across devices.
// At most one device may hold status "master" and it must match Master.Device.
type Record struct {
	Master      *MasterInfo        `json:"master"`
	Devices     map[string]*Device `json:"devices"`
	DataVersion int                `json:"dataVersion"`
	LastSync    *time.Time         `json:"lastSync"`
}

// LoadRecord reads the cluster record from path. A missing or corrupt file
// yields an empty record so a fresh device can bootstrap cleanly.
func LoadRecord(path string) *Record {
	data, err := os.ReadFile(path)
	if err != nil {
		return emptyRecord()
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return emptyRecord()
	}
	if rec.Devices == nil {
		rec.Devices = make(map[string]*Device)
	}
	return &rec
}

// SaveRecord writes the full record back to path. Whole-record writes keep
// heartbeat and reconciliation updates from clobbering each other within a
// process.
func SaveRecord(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func emptyRecord() *Record {
	return &Record{
		Devices:     make(map[string]*Device),
		DataVersion: 1,
	}
}

// HighestPriorityAlive returns the id of the live device with the lowest
// priority number, or "" when no device is alive. Liveness is judged against
// deadThreshold on each device's last heartbeat.
func (r *Record) HighestPriorityAlive(now time.Time, deadThreshold time.Duration) string {
	best := ""
	bestPriority := int(^uint(0) >> 1)
	for id, dev := range r.Devices {
		if !dev.Alive(now, deadThreshold) {
			continue
		}
		if dev.Priority < bestPriority {
			best = id
			bestPriority = dev.Priority
		}
	}
	return best
}

// Alive reports whether the device's heartbeat is fresher than deadThreshold.
func (d *Device) Alive(now time.Time, deadThreshold time.Duration) bool {
	if d == nil || d.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(d.LastHeartbeat) < deadThreshold
}

// MasterIdle reports whether the recorded master has gone longer than window
// without answering a customer message. A master that never answered anything
// counts as idle.
func (r *Record) MasterIdle(now time.Time, window time.Duration) bool {
	if r.Master == nil || r.Master.LastMessageAt == nil {
		return true
	}
	return now.Sub(*r.Master.LastMessageAt) > window
}
