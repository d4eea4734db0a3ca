// Package record persists motion samples and image info records of a camera
// to MySQL through gorm.
package record

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stereocam/stream"
)

type MotionSample struct {
	ID          uint   `gorm:"primaryKey"`
	CameraID    string `gorm:"size:36;index:idx_motion_camera_ts"`
	Timestamp   uint64 `gorm:"index:idx_motion_camera_ts"`
	Flag        int
	AccelX      float64
	AccelY      float64
	AccelZ      float64
	GyroX       float64
	GyroY       float64
	GyroZ       float64
	Temperature float64
	CreatedAt   time.Time
}

type ImageInfoRecord struct {
	ID           uint   `gorm:"primaryKey"`
	CameraID     string `gorm:"size:36;index:idx_info_camera_frame"`
	FrameID      uint32 `gorm:"index:idx_info_camera_frame"`
	Timestamp    uint64
	ExposureTime uint16
	CreatedAt    time.Time
}

// Camera is the part of camera.Camera the recorder subscribes to.
type Camera interface {
	ID() string
	IsEnabled(id stream.ChannelID) bool
	SetMotionCallback(cb func(stream.MotionItem), async bool) error
	SetImgInfoCallback(cb func(stream.InfoItem), async bool) error
}

type Options struct {
	// BatchSize is the number of buffered rows of one kind that triggers an
	// insert. Default 256.
	BatchSize int
	// FlushInterval bounds how long rows stay buffered while Run is active.
	// Default 1s.
	FlushInterval time.Duration
	Log           *log.Entry
}

// Recorder buffers samples delivered by camera callbacks and writes them in
// batches.
type Recorder struct {
	db   *gorm.DB
	opts Options
	log  *log.Entry

	mu       sync.Mutex
	cameraID string
	motions  []MotionSample
	infos    []ImageInfoRecord
	written  int64
}

// Open connects to MySQL and migrates the recorder tables.
func Open(dsn string, opts Options) (*Recorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&MotionSample{}, &ImageInfoRecord{}); err != nil {
		return nil, err
	}
	return New(db, opts), nil
}

// New creates a recorder on an open database. The tables must exist.
func New(db *gorm.DB, opts Options) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Log == nil {
		opts.Log = log.NewEntry(log.StandardLogger())
	}
	return &Recorder{
		db:   db,
		opts: opts,
		log:  opts.Log.WithField("component", "recorder"),
	}
}

// Attach installs asynchronous callbacks on whichever of the camera's motion
// and image info channels are enabled. Enabling a channel again replaces its
// callback, so Attach must be repeated after such reconfiguration.
func (r *Recorder) Attach(cam Camera) error {
	r.mu.Lock()
	r.cameraID = cam.ID()
	r.mu.Unlock()

	if cam.IsEnabled(stream.Motion) {
		if err := cam.SetMotionCallback(r.PutMotion, true); err != nil {
			return err
		}
	}
	if cam.IsEnabled(stream.ImageInfo) {
		if err := cam.SetImgInfoCallback(r.PutInfo, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) PutMotion(m stream.MotionItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.motions = append(r.motions, MotionSample{
		CameraID:    r.cameraID,
		Timestamp:   m.Timestamp,
		Flag:        int(m.Flag),
		AccelX:      m.Accel[0],
		AccelY:      m.Accel[1],
		AccelZ:      m.Accel[2],
		GyroX:       m.Gyro[0],
		GyroY:       m.Gyro[1],
		GyroZ:       m.Gyro[2],
		Temperature: m.Temperature,
	})
	if len(r.motions) >= r.opts.BatchSize {
		r.flushMotions()
	}
}

func (r *Recorder) PutInfo(i stream.InfoItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, ImageInfoRecord{
		CameraID:     r.cameraID,
		FrameID:      i.FrameID,
		Timestamp:    i.Timestamp,
		ExposureTime: i.ExposureTime,
	})
	if len(r.infos) >= r.opts.BatchSize {
		r.flushInfos()
	}
}

// Flush writes every buffered row.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushMotions()
	r.flushInfos()
}

// Written returns the number of rows inserted so far.
func (r *Recorder) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Run flushes periodically until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return nil
		case <-t.C:
			r.Flush()
		}
	}
}

// Rows that fail to insert are logged and discarded so a database outage
// cannot grow the buffers without bound.
func (r *Recorder) flushMotions() {
	if len(r.motions) == 0 {
		return
	}
	if err := r.db.CreateInBatches(r.motions, r.opts.BatchSize).Error; err != nil {
		r.log.Errorf("Failed to record %d motion samples: %v", len(r.motions), err)
	} else {
		r.written += int64(len(r.motions))
	}
	r.motions = nil
}

func (r *Recorder) flushInfos() {
	if len(r.infos) == 0 {
		return
	}
	if err := r.db.CreateInBatches(r.infos, r.opts.BatchSize).Error; err != nil {
		r.log.Errorf("Failed to record %d image infos: %v", len(r.infos), err)
	} else {
		r.written += int64(len(r.infos))
	}
	r.infos = nil
}
