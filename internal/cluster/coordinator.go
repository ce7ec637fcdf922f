package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultCheckInterval     = 30 * time.Second
	DefaultDeadThreshold     = 3 * time.Minute
	DefaultIdleTakeover      = 10 * time.Minute
)

// SyncIntervalFor maps a device priority to how often it pulls or pushes
// shared state. Lower numbers are more trusted devices and sync tighter.
func SyncIntervalFor(priority int) time.Duration {
	switch priority {
	case 1:
		return 2 * time.Minute
	case 2:
		return 3 * time.Minute
	case 3:
		return 10 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Config carries the identity and timing knobs for one device.
type Config struct {
	DeviceID   string
	Priority   int
	RecordPath string // cluster record file inside the shared directory
	SharedDir  string // directory replicated by the Syncer

	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
	SyncInterval      time.Duration
	DeadThreshold     time.Duration
	IdleTakeover      time.Duration

	// OnBecomeMaster fires once per promotion, after the claim is pushed.
	OnBecomeMaster func()
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = SyncIntervalFor(c.Priority)
	}
	if c.DeadThreshold == 0 {
		c.DeadThreshold = DefaultDeadThreshold
	}
	if c.IdleTakeover == 0 {
		c.IdleTakeover = DefaultIdleTakeover
	}
}

// Coordinator runs the election and replication loop for one device. All
// record mutations happen on a single goroutine; external callers only touch
// the small mutex-guarded state block.
type Coordinator struct {
	cfg    Config
	syncer Syncer
	logger *slog.Logger

	mu            sync.Mutex
	isMaster      bool
	lastMessageAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(cfg Config, syncer Syncer, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:    cfg,
		syncer: syncer,
		logger: logger.With("component", "cluster", "device", cfg.DeviceID),
	}
}

// Start pulls the shared state, registers this device and launches the
// heartbeat, reconciliation and sync tickers.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.syncer.Pull(ctx); err != nil {
		c.logger.Warn("initial pull failed, continuing with local state", "error", err)
	}

	rec := LoadRecord(c.cfg.RecordPath)
	c.register(rec, StatusStarting)
	if err := SaveRecord(c.cfg.RecordPath, rec); err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	if err := c.reconcile(ctx); err != nil {
		c.logger.Warn("initial reconcile failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)

	c.logger.Info("cluster coordinator started",
		"priority", c.cfg.Priority,
		"sync_interval", c.cfg.SyncInterval)
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	check := time.NewTicker(c.cfg.CheckInterval)
	defer check.Stop()
	sync := time.NewTicker(c.cfg.SyncInterval)
	defer sync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := c.heartbeat(); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
			}
		case <-check.C:
			if err := c.reconcile(ctx); err != nil {
				c.logger.Warn("cluster check failed", "error", err)
			}
		case <-sync.C:
			if err := c.syncTick(ctx); err != nil {
				c.logger.Warn("sync failed", "error", err)
			}
		}
	}
}

// Stop marks this device offline, releases mastership if held, and makes a
// best-effort final push so peers learn about the departure quickly.
func (c *Coordinator) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	rec := LoadRecord(c.cfg.RecordPath)
	now := time.Now().UTC()
	if dev, ok := rec.Devices[c.cfg.DeviceID]; ok {
		dev.Status = StatusOffline
		dev.LastSeen = now
	}
	wasMaster := rec.Master != nil && rec.Master.Device == c.cfg.DeviceID
	if wasMaster {
		rec.Master = nil
	}
	if err := SaveRecord(c.cfg.RecordPath, rec); err != nil {
		c.logger.Warn("could not record shutdown state", "error", err)
		return
	}

	if wasMaster {
		if err := c.pushRecord(ctx, rec, "release master on shutdown"); err != nil {
			c.logger.Warn("final push failed", "error", err)
		}
	}
	c.logger.Info("cluster coordinator stopped", "was_master", wasMaster)
}

// IsMaster reports whether this device currently believes it is the leader.
func (c *Coordinator) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMaster
}

// RecordActivity marks that this device just answered a customer message,
// feeding the idle-takeover window.
func (c *Coordinator) RecordActivity() {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastMessageAt = now
	master := c.isMaster
	c.mu.Unlock()

	if !master {
		return
	}
	rec := LoadRecord(c.cfg.RecordPath)
	if rec.Master != nil && rec.Master.Device == c.cfg.DeviceID {
		rec.Master.LastMessageAt = &now
		if err := SaveRecord(c.cfg.RecordPath, rec); err != nil {
			c.logger.Warn("could not record activity", "error", err)
		}
	}
}

// Snapshot is a read-only view of the cluster for status commands.
type Snapshot struct {
	DeviceID string             `json:"device"`
	Priority int                `json:"priority"`
	IsMaster bool               `json:"isMaster"`
	Master   *MasterInfo        `json:"master"`
	Devices  map[string]*Device `json:"devices"`
}

func (c *Coordinator) Status() Snapshot {
	rec := LoadRecord(c.cfg.RecordPath)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		DeviceID: c.cfg.DeviceID,
		Priority: c.cfg.Priority,
		IsMaster: c.isMaster,
		Master:   rec.Master,
		Devices:  rec.Devices,
	}
}

// heartbeat refreshes this device's liveness in the local record. It never
// touches the network; the sync ticker carries the update to peers.
func (c *Coordinator) heartbeat() error {
	rec := LoadRecord(c.cfg.RecordPath)
	now := time.Now().UTC()

	c.mu.Lock()
	master := c.isMaster
	lastMsg := c.lastMessageAt
	c.mu.Unlock()

	status := StatusStandby
	if master {
		status = StatusMaster
	}
	c.registerAt(rec, status, now)

	if master && rec.Master != nil && rec.Master.Device == c.cfg.DeviceID {
		rec.Master.LastHeartbeat = now
		if !lastMsg.IsZero() {
			rec.Master.LastMessageAt = &lastMsg
		}
	}
	return SaveRecord(c.cfg.RecordPath, rec)
}

// reconcile is the election step: pull peers' view, decide who should lead,
// and adjust our own role accordingly.
func (c *Coordinator) reconcile(ctx context.Context) error {
	if err := c.syncer.Pull(ctx); err != nil {
		c.logger.Warn("pull before reconcile failed", "error", err)
	}

	rec := LoadRecord(c.cfg.RecordPath)
	now := time.Now().UTC()
	c.register(rec, c.currentStatus())
	if err := SaveRecord(c.cfg.RecordPath, rec); err != nil {
		return err
	}

	// No leader on record: the best live device claims it.
	if rec.Master == nil {
		if rec.HighestPriorityAlive(now, c.cfg.DeadThreshold) == c.cfg.DeviceID {
			return c.becomeMaster(ctx, rec, "no master on record")
		}
		return c.demote(rec)
	}

	masterDev := rec.Devices[rec.Master.Device]

	// Leader stopped heartbeating: treat it as dead and re-elect.
	if !masterDev.Alive(now, c.cfg.DeadThreshold) {
		if rec.HighestPriorityAlive(now, c.cfg.DeadThreshold) == c.cfg.DeviceID {
			// Re-pull right before claiming so a racing peer's claim
			// is visible and we defer instead of split-braining.
			if err := c.syncer.Pull(ctx); err != nil {
				c.logger.Warn("pull before takeover failed", "error", err)
			}
			rec = LoadRecord(c.cfg.RecordPath)
			c.register(rec, c.currentStatus())
			if rec.Master == nil || !rec.Devices[rec.Master.Device].Alive(now, c.cfg.DeadThreshold) {
				return c.becomeMaster(ctx, rec, "master heartbeat expired")
			}
		}
		return c.demote(rec)
	}

	// The record says we lead: make local state agree.
	if rec.Master.Device == c.cfg.DeviceID {
		c.mu.Lock()
		c.isMaster = true
		c.mu.Unlock()
		if dev := rec.Devices[c.cfg.DeviceID]; dev != nil {
			dev.Status = StatusMaster
		}
		return SaveRecord(c.cfg.RecordPath, rec)
	}

	// A more trusted device defers only while the current leader is
	// actually working; an idle leader yields to higher priority.
	if masterDev != nil && c.cfg.Priority < masterDev.Priority && rec.MasterIdle(now, c.cfg.IdleTakeover) {
		return c.becomeMaster(ctx, rec, "idle master superseded by higher priority")
	}

	return c.demote(rec)
}

// becomeMaster writes and immediately pushes our leadership claim. The push
// is what makes the claim visible; until it lands, peers may still elect.
func (c *Coordinator) becomeMaster(ctx context.Context, rec *Record, reason string) error {
	now := time.Now().UTC()

	if rec.Master != nil && rec.Master.Device != c.cfg.DeviceID {
		if old := rec.Devices[rec.Master.Device]; old != nil && old.Status == StatusMaster {
			old.Status = StatusStandby
		}
	}

	c.mu.Lock()
	wasMaster := c.isMaster
	c.isMaster = true
	lastMsg := c.lastMessageAt
	c.mu.Unlock()

	var lastMsgAt *time.Time
	if !lastMsg.IsZero() {
		lastMsgAt = &lastMsg
	}
	rec.Master = &MasterInfo{
		Device:        c.cfg.DeviceID,
		StartedAt:     now,
		LastHeartbeat: now,
		LastMessageAt: lastMsgAt,
	}
	c.registerAt(rec, StatusMaster, now)

	if err := SaveRecord(c.cfg.RecordPath, rec); err != nil {
		return fmt.Errorf("record master claim: %w", err)
	}
	if err := c.pushRecord(ctx, rec, fmt.Sprintf("%s claims master: %s", c.cfg.DeviceID, reason)); err != nil {
		c.logger.Warn("could not push master claim", "error", err)
	}

	c.logger.Info("became master", "reason", reason)
	if !wasMaster && c.cfg.OnBecomeMaster != nil {
		c.cfg.OnBecomeMaster()
	}
	return nil
}

func (c *Coordinator) demote(rec *Record) error {
	c.mu.Lock()
	wasMaster := c.isMaster
	c.isMaster = false
	c.mu.Unlock()

	if dev := rec.Devices[c.cfg.DeviceID]; dev != nil && dev.Status != StatusStandby {
		dev.Status = StatusStandby
		if err := SaveRecord(c.cfg.RecordPath, rec); err != nil {
			return err
		}
	}
	if wasMaster {
		c.logger.Info("stepped down to standby",
			"master", masterDeviceOf(rec))
	}
	return nil
}

// syncTick pushes local changes when leading and pulls otherwise.
func (c *Coordinator) syncTick(ctx context.Context) error {
	if c.IsMaster() {
		rec := LoadRecord(c.cfg.RecordPath)
		return c.pushRecord(ctx, rec, fmt.Sprintf("sync from %s", c.cfg.DeviceID))
	}
	return c.syncer.Pull(ctx)
}

func (c *Coordinator) pushRecord(ctx context.Context, rec *Record, message string) error {
	changed, err := c.syncer.HasLocalChanges(ctx, c.cfg.SharedDir)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	now := time.Now().UTC()
	rec.DataVersion++
	rec.LastSync = &now
	if err := SaveRecord(c.cfg.RecordPath, rec); err != nil {
		return err
	}
	return c.syncer.CommitAndPush(ctx, []string{c.cfg.SharedDir}, message)
}

func (c *Coordinator) currentStatus() DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isMaster {
		return StatusMaster
	}
	return StatusStandby
}

func (c *Coordinator) register(rec *Record, status DeviceStatus) {
	c.registerAt(rec, status, time.Now().UTC())
}

func (c *Coordinator) registerAt(rec *Record, status DeviceStatus, now time.Time) {
	dev, ok := rec.Devices[c.cfg.DeviceID]
	if !ok {
		dev = &Device{}
		rec.Devices[c.cfg.DeviceID] = dev
	}
	dev.Priority = c.cfg.Priority
	dev.Status = status
	dev.LastSeen = now
	dev.LastHeartbeat = now
}

func masterDeviceOf(rec *Record) string {
	if rec.Master == nil {
		return ""
	}
	return rec.Master.Device
}
