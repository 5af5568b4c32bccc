package attendance

import (
	"context"
	"errors"
	"time"
)

// StatusPresent is the only status the scan path currently assigns.
const StatusPresent = "present"

// Store-level errors. Implementations return these (possibly wrapped) so the
// service can tell a miss or a lost race apart from a storage failure.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("unique constraint violated")
)

// Student is the directory identity a card resolves to.
type Student struct {
	ID         string  `json:"id"`
	StudentID  string  `json:"student_id"`
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	Faculty    string  `json:"faculty"`
	Department string  `json:"department"`
	Email      string  `json:"email"`
	PhotoURL   *string `json:"photo_url"`
}

// Card binds a physical NFC UID to a student.
type Card struct {
	ID        string
	CardUID   string
	StudentID string
	IsActive  bool
	CreatedAt time.Time
}

// Gateway is a named campus entry point.
type Gateway struct {
	ID   string
	Code string
	Name string
}

// Device is a scanning terminal.
type Device struct {
	ID         string
	DeviceCode string
	GatewayID  *string
	LastSeen   *time.Time
}

// Event is one row of the attendance ledger. Rows are never updated.
type Event struct {
	ID        string
	StudentID string
	CardID    string
	LectureID *string
	GatewayID string
	DeviceID  string
	Status    string
	ScannedAt time.Time
}

// Entry is an attendance event joined with its student, as shown on the
// security dashboard.
type Entry struct {
	ID        string    `json:"id"`
	ScannedAt time.Time `json:"scanned_at"`
	Status    string    `json:"status"`
	LectureID *string   `json:"lecture_id,omitempty"`
	Student   Student   `json:"student"`
}

// Store is the remote data store the scan path talks to. Every method is a
// single request/response round trip.
type Store interface {
	FindGateway(ctx context.Context, code string) (Gateway, error)
	FindDevice(ctx context.Context, code string) (Device, error)
	UpdateDeviceLastSeen(ctx context.Context, deviceID string, t time.Time) error

	FindStudentByExternalID(ctx context.Context, externalID string) (Student, error)

	FindActiveCard(ctx context.Context, uid, studentID string) (Card, error)
	// CreateCard returns ErrConflict when an active card with the same UID
	// already exists.
	CreateCard(ctx context.Context, uid, studentID string) (Card, error)

	FindAttendance(ctx context.Context, studentID, lectureID string) (Event, error)
	// CreateAttendance returns ErrConflict when an event for the same
	// (student, lecture) pair already exists.
	CreateAttendance(ctx context.Context, evt Event) (Event, error)

	RecentGateEntries(ctx context.Context, since time.Time, limit int) ([]Entry, error)
	CountAttendanceSince(ctx context.Context, since time.Time) (total, gate int, err error)
}
