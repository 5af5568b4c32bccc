// Package memory is an in-process attendance.Store. It enforces the same
// uniqueness rules as the Postgres schema and is meant for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gateattend/internal/attendance"
)

// Store keeps every table in maps and slices behind one lock.
type Store struct {
	mu       sync.RWMutex
	gateways map[string]attendance.Gateway // by code
	devices  map[string]attendance.Device  // by device code
	students map[string]attendance.Student // by external id
	cards    []attendance.Card
	events   []attendance.Event
}

// New returns an empty store.
func New() *Store {
	return &Store{
		gateways: make(map[string]attendance.Gateway),
		devices:  make(map[string]attendance.Device),
		students: make(map[string]attendance.Student),
	}
}

var _ attendance.Store = (*Store)(nil)

// AddGateway provisions a gateway and returns it with its id filled in.
func (s *Store) AddGateway(code, name string) attendance.Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := attendance.Gateway{ID: uuid.NewString(), Code: code, Name: name}
	s.gateways[code] = g
	return g
}

// AddDevice provisions a device, optionally attached to a gateway id.
func (s *Store) AddDevice(code string, gatewayID *string) attendance.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := attendance.Device{ID: uuid.NewString(), DeviceCode: code, GatewayID: gatewayID}
	s.devices[code] = d
	return d
}

// AddStudent enrolls a student. An empty ID is generated.
func (s *Store) AddStudent(st attendance.Student) attendance.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	s.students[st.StudentID] = st
	return st
}

func (s *Store) FindGateway(_ context.Context, code string) (attendance.Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gateways[code]
	if !ok {
		return attendance.Gateway{}, attendance.ErrNotFound
	}
	return g, nil
}

func (s *Store) FindDevice(_ context.Context, code string) (attendance.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[code]
	if !ok {
		return attendance.Device{}, attendance.ErrNotFound
	}
	return d, nil
}

func (s *Store) UpdateDeviceLastSeen(_ context.Context, deviceID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, d := range s.devices {
		if d.ID == deviceID {
			seen := t.UTC()
			d.LastSeen = &seen
			s.devices[code] = d
			return nil
		}
	}
	return attendance.ErrNotFound
}

func (s *Store) FindStudentByExternalID(_ context.Context, externalID string) (attendance.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[externalID]
	if !ok {
		return attendance.Student{}, attendance.ErrNotFound
	}
	return st, nil
}

// FindActiveCard matches on both uid and owner, like the Postgres query.
func (s *Store) FindActiveCard(_ context.Context, uid, studentID string) (attendance.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cards {
		if c.IsActive && c.CardUID == uid && c.StudentID == studentID {
			return c, nil
		}
	}
	return attendance.Card{}, attendance.ErrNotFound
}

// CreateCard rejects a uid that is already active for any student.
func (s *Store) CreateCard(_ context.Context, uid, studentID string) (attendance.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		if c.IsActive && c.CardUID == uid {
			return attendance.Card{}, attendance.ErrConflict
		}
	}
	c := attendance.Card{
		ID:        uuid.NewString(),
		CardUID:   uid,
		StudentID: studentID,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	s.cards = append(s.cards, c)
	return c, nil
}

func (s *Store) FindAttendance(_ context.Context, studentID, lectureID string) (attendance.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.StudentID == studentID && e.LectureID != nil && *e.LectureID == lectureID {
			return e, nil
		}
	}
	return attendance.Event{}, attendance.ErrNotFound
}

// CreateAttendance enforces one event per (student, lecture).
func (s *Store) CreateAttendance(_ context.Context, evt attendance.Event) (attendance.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.LectureID != nil {
		for _, e := range s.events {
			if e.StudentID == evt.StudentID && e.LectureID != nil && *e.LectureID == *evt.LectureID {
				return attendance.Event{}, attendance.ErrConflict
			}
		}
	}
	evt.ID = uuid.NewString()
	if evt.ScannedAt.IsZero() {
		evt.ScannedAt = time.Now().UTC()
	}
	if evt.Status == "" {
		evt.Status = attendance.StatusPresent
	}
	s.events = append(s.events, evt)
	return evt, nil
}

// RecentGateEntries returns gate events since since, newest first.
func (s *Store) RecentGateEntries(_ context.Context, since time.Time, limit int) ([]attendance.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]attendance.Student, len(s.students))
	for _, st := range s.students {
		byID[st.ID] = st
	}

	var out []attendance.Entry
	for _, e := range s.events {
		if e.LectureID != nil || e.ScannedAt.Before(since) {
			continue
		}
		out = append(out, attendance.Entry{
			ID:        e.ID,
			ScannedAt: e.ScannedAt,
			Status:    e.Status,
			Student:   byID[e.StudentID],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScannedAt.After(out[j].ScannedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountAttendanceSince(_ context.Context, since time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total, gate int
	for _, e := range s.events {
		if e.ScannedAt.Before(since) {
			continue
		}
		total++
		if e.LectureID == nil {
			gate++
		}
	}
	return total, gate, nil
}

// Cards returns a copy of all card rows. Test-only helper.
func (s *Store) Cards() []attendance.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]attendance.Card, len(s.cards))
	copy(out, s.cards)
	return out
}

// Events returns a copy of the ledger. Test-only helper.
func (s *Store) Events() []attendance.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]attendance.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Device returns the current device row by code.
func (s *Store) Device(code string) (attendance.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[code]
	return d, ok
}

// SeedDemo provisions the main gate, its terminal and the eight demo
// students the demo cards map to.
func SeedDemo(s *Store) {
	gw := s.AddGateway("MAIN_GATE", "Main Gate")
	s.AddDevice("DEV001", &gw.ID)

	names := [][2]string{
		{"Amina", "Okello"}, {"Brian", "Mugisha"}, {"Catherine", "Nakato"}, {"David", "Ssempala"},
		{"Esther", "Achieng"}, {"Felix", "Kato"}, {"Grace", "Namubiru"}, {"Henry", "Lubega"},
	}
	for i, n := range names {
		s.AddStudent(attendance.Student{
			StudentID:  fmt.Sprintf("STU%03d", i+1),
			FirstName:  n[0],
			LastName:   n[1],
			Faculty:    "Science",
			Department: "Computer Science",
			Email:      strings.ToLower(n[0]+"."+n[1]) + "@students.example.edu",
		})
	}
}
