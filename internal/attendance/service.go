package attendance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"gateattend/internal/metrics"
	"gateattend/internal/queue"
)

// MessageRecorded is the queue message type published after a scan is
// written. Its body is an Entry.
const MessageRecorded = "attendance.recorded"

// Scan failures. The HTTP layer maps each to a wire error code.
var (
	ErrInvalidRequest            = errors.New("card_uid, device_code and gateway_code are required")
	ErrGatewayOrDeviceNotFound   = errors.New("gateway or device not found")
	ErrDeviceNotFound            = errors.New("device not found")
	ErrStudentNotFound           = errors.New("student not found")
	ErrCardNotRegistered         = errors.New("card is not registered to the student")
	ErrCardCreationFailed        = errors.New("card creation failed")
	ErrAlreadyRecorded           = errors.New("attendance already recorded for this lecture")
	ErrAttendanceRecordingFailed = errors.New("attendance recording failed")
)

// ScanRequest is what a gate terminal submits.
type ScanRequest struct {
	CardUID     string `json:"card_uid"`
	DeviceCode  string `json:"device_code"`
	GatewayCode string `json:"gateway_code"`
	LectureID   string `json:"lecture_id,omitempty"`
}

// ScanResult describes a recorded scan.
type ScanResult struct {
	Student      Student
	AttendanceID string
	Status       string
	ScannedAt    time.Time
	CardCreated  bool
}

// Stats is the attendance summary for one day.
type Stats struct {
	Date             string `json:"date"`
	TodayAttendance  int    `json:"today_attendance"`
	TodayGateEntries int    `json:"today_gate_entries"`
}

// Publisher receives recorded scans for background processing.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Config tunes a Service. The zero value is usable: demo card mapping,
// auto-provisioning, no publisher, no metrics, discarded logs.
type Config struct {
	Mapper CardMapper
	// DisableAutoProvision makes a missing card binding a hard failure
	// instead of creating one.
	DisableAutoProvision bool
	Publisher            Publisher
	Metrics              *metrics.Scan
	Logger               *log.Logger
	Now                  func() time.Time
}

// Service records card scans against the attendance ledger.
type Service struct {
	store         Store
	mapper        CardMapper
	autoProvision bool
	publisher     Publisher
	metrics       *metrics.Scan
	logger        *log.Logger
	now           func() time.Time
}

// NewService creates a service backed by a store.
func NewService(st Store, cfg Config) *Service {
	s := &Service{
		store:         st,
		mapper:        cfg.Mapper,
		autoProvision: !cfg.DisableAutoProvision,
		publisher:     cfg.Publisher,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if s.mapper == nil {
		s.mapper = DemoCardMapper{}
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Scan resolves the presented card to a student and appends one attendance
// event. Side effects are at most one card insert, one event insert and one
// device last-seen update. A card created before a later failure is kept.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (res ScanResult, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveScan(ResultCode(err), time.Since(start)) }()

	// Values are used exactly as presented; only emptiness is rejected.
	uid, deviceCode, gatewayCode, lectureID := req.CardUID, req.DeviceCode, req.GatewayCode, req.LectureID

	if uid == "" || deviceCode == "" || gatewayCode == "" {
		return ScanResult{}, ErrInvalidRequest
	}

	gateway, device, err := s.resolveEndpoint(ctx, gatewayCode, deviceCode)
	if err != nil {
		return ScanResult{}, err
	}

	student, err := s.store.FindStudentByExternalID(ctx, s.mapper.ExternalID(uid))
	if errors.Is(err, ErrNotFound) {
		return ScanResult{}, ErrStudentNotFound
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("find student: %w", err)
	}

	card, cardCreated, err := s.resolveCard(ctx, uid, student.ID)
	if err != nil {
		return ScanResult{}, err
	}

	var lecture *string
	if lectureID != "" {
		lecture = &lectureID
		// Only a fast path; the unique index decides under concurrency.
		_, err := s.store.FindAttendance(ctx, student.ID, lectureID)
		switch {
		case err == nil:
			return ScanResult{}, ErrAlreadyRecorded
		case !errors.Is(err, ErrNotFound):
			return ScanResult{}, fmt.Errorf("check attendance: %w", err)
		}
	}

	now := s.now().UTC()
	evt, err := s.store.CreateAttendance(ctx, Event{
		StudentID: student.ID,
		CardID:    card.ID,
		LectureID: lecture,
		GatewayID: gateway.ID,
		DeviceID:  device.ID,
		Status:    StatusPresent,
		ScannedAt: now,
	})
	if errors.Is(err, ErrConflict) {
		return ScanResult{}, ErrAlreadyRecorded
	}
	if err != nil {
		s.logger.Printf("scan %s: create attendance for student %s: %v", uid, student.StudentID, err)
		return ScanResult{}, fmt.Errorf("%w: %v", ErrAttendanceRecordingFailed, err)
	}

	if err := s.store.UpdateDeviceLastSeen(ctx, device.ID, now); err != nil {
		s.metrics.DeviceTouchFailed()
		s.logger.Printf("scan %s: update last_seen for device %s: %v", uid, device.DeviceCode, err)
	}

	s.publish(ctx, Entry{
		ID:        evt.ID,
		ScannedAt: evt.ScannedAt,
		Status:    evt.Status,
		LectureID: evt.LectureID,
		Student:   student,
	})

	return ScanResult{
		Student:      student,
		AttendanceID: evt.ID,
		Status:       evt.Status,
		ScannedAt:    evt.ScannedAt,
		CardCreated:  cardCreated,
	}, nil
}

// resolveEndpoint looks up the gateway and the device concurrently.
func (s *Service) resolveEndpoint(ctx context.Context, gatewayCode, deviceCode string) (Gateway, Device, error) {
	var (
		gateway Gateway
		device  Device
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		gateway, err = s.store.FindGateway(gctx, gatewayCode)
		return err
	})
	g.Go(func() error {
		var err error
		device, err = s.store.FindDevice(gctx, deviceCode)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Gateway{}, Device{}, ErrGatewayOrDeviceNotFound
		}
		return Gateway{}, Device{}, fmt.Errorf("resolve gateway/device: %w", err)
	}
	return gateway, device, nil
}

// resolveCard returns the student's active card for uid, creating it when
// absent. created reports whether this call inserted the row.
func (s *Service) resolveCard(ctx context.Context, uid, studentID string) (card Card, created bool, err error) {
	card, err = s.store.FindActiveCard(ctx, uid, studentID)
	if err == nil {
		return card, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Card{}, false, fmt.Errorf("find card: %w", err)
	}
	if !s.autoProvision {
		return Card{}, false, ErrCardNotRegistered
	}

	card, err = s.store.CreateCard(ctx, uid, studentID)
	if errors.Is(err, ErrConflict) {
		// A concurrent scan of the same UID inserted first.
		card, err = s.store.FindActiveCard(ctx, uid, studentID)
		if err == nil {
			return card, false, nil
		}
	}
	if err != nil {
		s.logger.Printf("scan %s: create card: %v", uid, err)
		return Card{}, false, fmt.Errorf("%w: %v", ErrCardCreationFailed, err)
	}

	s.metrics.CardProvisioned()
	return card, true, nil
}

func (s *Service) publish(ctx context.Context, e Entry) {
	if s.publisher == nil {
		return
	}
	msg, err := queue.NewMessage(MessageRecorded, e)
	if err == nil {
		err = s.publisher.Publish(ctx, msg)
	}
	if err != nil {
		s.metrics.PublishFailed()
		s.logger.Printf("publish %s for attendance %s: %v", MessageRecorded, e.ID, err)
	}
}

// LookupDevice returns a provisioned device by code.
func (s *Service) LookupDevice(ctx context.Context, code string) (Device, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Device{}, ErrDeviceNotFound
	}
	d, err := s.store.FindDevice(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return Device{}, ErrDeviceNotFound
	}
	return d, err
}

// RecentGateEntries returns today's gate scans (no lecture), newest first.
func (s *Service) RecentGateEntries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.RecentGateEntries(ctx, StartOfDay(s.now()), limit)
}

// TodayStats counts the attendance events recorded since local midnight.
func (s *Service) TodayStats(ctx context.Context) (Stats, error) {
	day := StartOfDay(s.now())
	total, gate, err := s.store.CountAttendanceSince(ctx, day)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Date:             day.Format("2006-01-02"),
		TodayAttendance:  total,
		TodayGateEntries: gate,
	}, nil
}

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// StartOfDay truncates t to local midnight.
func StartOfDay(t time.Time) time.Time {
	t = t.Local()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}

// ResultCode is the wire error code for a Scan error, or "ok" for nil.
func ResultCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrGatewayOrDeviceNotFound):
		return "gateway_or_device_not_found"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrStudentNotFound):
		return "student_not_found"
	case errors.Is(err, ErrCardNotRegistered):
		return "card_not_registered"
	case errors.Is(err, ErrCardCreationFailed):
		return "card_creation_failed"
	case errors.Is(err, ErrAlreadyRecorded):
		return "already_recorded"
	case errors.Is(err, ErrAttendanceRecordingFailed):
		return "attendance_recording_failed"
	default:
		return "internal_server_error"
	}
}
