package data

import (
	"context"
	"strings"
	"sync"
	"time"

	"Bulwark/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

const (
	// eventQueueSize bounds the async writer buffer.
	eventQueueSize = 1000
	// eventWriteTimeout bounds one background insert.
	eventWriteTimeout = 5 * time.Second
)

// SecurityEventRecord is the GORM model for security_events table
type SecurityEventRecord struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	EventType string    `gorm:"column:event_type;type:varchar(64);not null;index"`
	Severity  string    `gorm:"column:severity;type:varchar(16);not null"`
	IP        string    `gorm:"column:ip;type:varchar(64);index:idx_ip_created,priority:1"`
	UserAgent string    `gorm:"column:user_agent;type:varchar(512)"`
	Data      string    `gorm:"column:data;type:json"` // JSON string
	CreatedAt time.Time `gorm:"column:created_at;not null;index;index:idx_ip_created,priority:2"`
}

// TableName specifies the table name for GORM
func (SecurityEventRecord) TableName() string {
	return "security_events"
}

// EventTypeCount is one row of the per-type aggregation.
type EventTypeCount struct {
	EventType string `gorm:"column:event_type" json:"event_type"`
	Severity  string `gorm:"column:severity" json:"severity"`
	Count     int64  `gorm:"column:count" json:"count"`
}

// IPActivity is one row of the per-IP aggregation.
type IPActivity struct {
	IP         string   `gorm:"column:ip" json:"ip"`
	Count      int64    `gorm:"column:count" json:"count"`
	EventTypes string   `gorm:"column:event_types" json:"-"` // GROUP_CONCAT output
	Types      []string `gorm:"-" json:"event_types"`
}

// SecurityEventRepo implements biz.SecurityEventRepo.
// Writes are queued and persisted by a single background goroutine so that
// reporting an event never blocks the request path.
type SecurityEventRepo struct {
	store   *Store
	logChan chan *SecurityEventRecord
	logger  *log.Helper

	// mu guards sends on logChan against Close
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewSecurityEventRepo creates the repository and starts its writer.
func NewSecurityEventRepo(store *Store, logger log.Logger) (*SecurityEventRepo, func(), error) {
	r := &SecurityEventRepo{
		store:   store,
		logChan: make(chan *SecurityEventRecord, eventQueueSize),
		logger:  log.NewHelper(log.With(logger, "module", "data/security_event")),
		done:    make(chan struct{}),
	}

	go r.start()

	return r, r.Close, nil
}

// start processes events from the queue until Close.
func (r *SecurityEventRepo) start() {
	defer close(r.done)
	for rec := range r.logChan {
		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		err := r.store.Do(ctx, func(db *gorm.DB) error {
			return db.Create(rec).Error
		})
		cancel()
		if err != nil {
			r.logger.Errorw("msg", "failed to write security event",
				"event_type", rec.EventType,
				"ip", rec.IP,
				"error", err,
				"type", "database")
		}
	}
}

// Save queues ev for persistence. A full queue drops the event with a warning.
func (r *SecurityEventRepo) Save(_ context.Context, ev *model.SecurityEvent) {
	rec := &SecurityEventRecord{
		EventType: string(ev.Type),
		Severity:  string(ev.Severity),
		IP:        ev.IP,
		UserAgent: ev.UserAgent,
		Data:      ev.Data.String(),
		CreatedAt: ev.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warnw("msg", "security event repository closed, dropping event",
			"event_type", rec.EventType,
			"ip", rec.IP,
			"type", "security")
		return
	}

	select {
	case r.logChan <- rec:
	default:
		r.logger.Warnw("msg", "security event queue full, dropping event",
			"event_type", rec.EventType,
			"ip", rec.IP,
			"type", "security")
	}
}

// Close stops accepting events and waits for the queue to drain.
func (r *SecurityEventRepo) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.logChan)
		r.mu.Unlock()
		<-r.done
	})
}

// RecentEvents returns events created since since, newest first.
func (r *SecurityEventRepo) RecentEvents(ctx context.Context, since time.Time, limit int) ([]*SecurityEventRecord, error) {
	var events []*SecurityEventRecord
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("created_at >= ?", since).
			Order("created_at DESC").
			Limit(limit).
			Find(&events).Error
	})
	return events, err
}

// TopEventTypes aggregates events since since by type and severity.
func (r *SecurityEventRepo) TopEventTypes(ctx context.Context, since time.Time, limit int) ([]EventTypeCount, error) {
	var rows []EventTypeCount
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&SecurityEventRecord{}).
			Select("event_type, severity, COUNT(*) AS count").
			Where("created_at >= ?", since).
			Group("event_type, severity").
			Order("count DESC").
			Limit(limit).
			Scan(&rows).Error
	})
	return rows, err
}

// HighVolumeIPs returns sources with more than threshold events since since,
// together with the distinct event types they produced.
func (r *SecurityEventRepo) HighVolumeIPs(ctx context.Context, since time.Time, threshold, limit int) ([]IPActivity, error) {
	var rows []IPActivity
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&SecurityEventRecord{}).
			Select("ip, COUNT(*) AS count, GROUP_CONCAT(DISTINCT event_type) AS event_types").
			Where("created_at >= ? AND ip <> ''", since).
			Group("ip").
			Having("COUNT(*) > ?", threshold).
			Order("count DESC").
			Limit(limit).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].EventTypes != "" {
			rows[i].Types = strings.Split(rows[i].EventTypes, ",")
		}
	}
	return rows, nil
}

// DeleteOlderThan purges events created before before.
func (r *SecurityEventRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		res := db.Where("created_at < ?", before).Delete(&SecurityEventRecord{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
