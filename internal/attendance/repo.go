package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// FindGateway looks a gateway up by code.
func (r *Repository) FindGateway(ctx context.Context, code string) (Gateway, error) {
	var g Gateway
	err := r.db.QueryRowContext(ctx, `
		SELECT id, code, name FROM gateways WHERE code = $1
	`, code).Scan(&g.ID, &g.Code, &g.Name)
	if err != nil {
		return Gateway{}, notFound("find gateway", err)
	}
	return g, nil
}

// FindDevice looks a terminal up by device code.
func (r *Repository) FindDevice(ctx context.Context, code string) (Device, error) {
	var d Device
	err := r.db.QueryRowContext(ctx, `
		SELECT id, device_code, gateway_id, last_seen FROM devices WHERE device_code = $1
	`, code).Scan(&d.ID, &d.DeviceCode, &d.GatewayID, &d.LastSeen)
	if err != nil {
		return Device{}, notFound("find device", err)
	}
	return d, nil
}

// UpdateDeviceLastSeen stamps the terminal with t.
func (r *Repository) UpdateDeviceLastSeen(ctx context.Context, deviceID string, t time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen = $2 WHERE id = $1`, deviceID, t.UTC())
	if err != nil {
		return fmt.Errorf("update device last_seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindStudentByExternalID looks a student up by their university id.
func (r *Repository) FindStudentByExternalID(ctx context.Context, externalID string) (Student, error) {
	var st Student
	err := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, first_name, last_name, faculty, department, COALESCE(email, ''), photo_url
		FROM students WHERE student_id = $1
	`, externalID).Scan(&st.ID, &st.StudentID, &st.FirstName, &st.LastName, &st.Faculty, &st.Department, &st.Email, &st.PhotoURL)
	if err != nil {
		return Student{}, notFound("find student", err)
	}
	return st, nil
}

// FindActiveCard returns the active binding of uid to studentID.
func (r *Repository) FindActiveCard(ctx context.Context, uid, studentID string) (Card, error) {
	var c Card
	err := r.db.QueryRowContext(ctx, `
		SELECT id, card_uid, student_id, is_active, created_at
		FROM cards
		WHERE card_uid = $1 AND student_id = $2 AND is_active
		LIMIT 1
	`, uid, studentID).Scan(&c.ID, &c.CardUID, &c.StudentID, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return Card{}, notFound("find card", err)
	}
	return c, nil
}

// CreateCard inserts an active binding; cards_active_uid_key yields ErrConflict.
func (r *Repository) CreateCard(ctx context.Context, uid, studentID string) (Card, error) {
	c := Card{CardUID: uid, StudentID: studentID, IsActive: true}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO cards (card_uid, student_id, is_active)
		VALUES ($1, $2, TRUE)
		RETURNING id, created_at
	`, uid, studentID).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return Card{}, conflict("create card", err)
	}
	return c, nil
}

// FindAttendance returns the student's event for a lecture.
func (r *Repository) FindAttendance(ctx context.Context, studentID, lectureID string) (Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, card_id, lecture_id, gateway_id, device_id, status, scanned_at
		FROM attendance
		WHERE student_id = $1 AND lecture_id = $2
		LIMIT 1
	`, studentID, lectureID)
	evt, err := scanEvent(row)
	if err != nil {
		return Event{}, notFound("find attendance", err)
	}
	return evt, nil
}

// CreateAttendance appends an event; attendance_student_lecture_key yields ErrConflict.
func (r *Repository) CreateAttendance(ctx context.Context, evt Event) (Event, error) {
	if evt.ScannedAt.IsZero() {
		evt.ScannedAt = time.Now().UTC()
	}
	if evt.Status == "" {
		evt.Status = StatusPresent
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (student_id, card_id, lecture_id, gateway_id, device_id, status, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, scanned_at
	`, evt.StudentID, evt.CardID, evt.LectureID, evt.GatewayID, evt.DeviceID, evt.Status, evt.ScannedAt.UTC()).Scan(&evt.ID, &evt.ScannedAt)
	if err != nil {
		return Event{}, conflict("create attendance", err)
	}
	return evt, nil
}

// RecentGateEntries joins gate events since since with their students.
func (r *Repository) RecentGateEntries(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.scanned_at, a.status,
		       s.id, s.student_id, s.first_name, s.last_name, s.faculty, s.department, COALESCE(s.email, ''), s.photo_url
		FROM attendance a
		JOIN students s ON s.id = a.student_id
		WHERE a.lecture_id IS NULL AND a.scanned_at >= $1
		ORDER BY a.scanned_at DESC
		LIMIT $2
	`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent gate entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		st := &e.Student
		if err := rows.Scan(&e.ID, &e.ScannedAt, &e.Status,
			&st.ID, &st.StudentID, &st.FirstName, &st.LastName, &st.Faculty, &st.Department, &st.Email, &st.PhotoURL); err != nil {
			return nil, fmt.Errorf("recent gate entries: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountAttendanceSince counts all events and gate-only events since since.
func (r *Repository) CountAttendanceSince(ctx context.Context, since time.Time) (int, int, error) {
	var total, gate int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE lecture_id IS NULL)
		FROM attendance
		WHERE scanned_at >= $1
	`, since.UTC()).Scan(&total, &gate)
	if err != nil {
		return 0, 0, fmt.Errorf("count attendance: %w", err)
	}
	return total, gate, nil
}

func scanEvent(row *sql.Row) (Event, error) {
	var evt Event
	err := row.Scan(&evt.ID, &evt.StudentID, &evt.CardID, &evt.LectureID, &evt.GatewayID, &evt.DeviceID, &evt.Status, &evt.ScannedAt)
	return evt, err
}

// notFound translates sql.ErrNoRows into ErrNotFound and wraps anything else.
func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// conflict translates a unique violation into ErrConflict and wraps anything else.
func conflict(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
