package models

import "time"

// Exam is a placement exam sitting with a fixed seat count. Registration
// windows are optional; an exam without one accepts registrations as long
// as it is active.
type Exam struct {
	ID            int64      `db:"id" json:"id"`
	Code          string     `db:"code" json:"code"`
	Name          string     `db:"name" json:"name"`
	Language      string     `db:"language" json:"language"`
	ExamDate      time.Time  `db:"exam_date" json:"exam_date"`
	StartTime     string     `db:"start_time" json:"start_time"`
	DurationMin   int        `db:"duration_min" json:"duration_min"`
	Room          *string    `db:"room" json:"room,omitempty"`
	CapacityTotal int        `db:"capacity_total" json:"capacity_total"`
	FeeCents      *int64     `db:"fee_cents" json:"fee_cents,omitempty"`
	RegStart      *time.Time `db:"reg_start" json:"reg_start,omitempty"`
	RegEnd        *time.Time `db:"reg_end" json:"reg_end,omitempty"`
	TeacherID     *int64     `db:"teacher_id" json:"teacher_id,omitempty"`
	Active        bool       `db:"active" json:"active"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Seats returns the configured capacity.
func (e *Exam) Seats() int {
	return e.CapacityTotal
}

// AdmissionWindow returns the optional registration window; nil bounds mean
// the exam is open for registration at any date.
func (e *Exam) AdmissionWindow() (start, end *time.Time) {
	return e.RegStart, e.RegEnd
}

// ExamDetail enriches an exam with availability for the public catalog.
type ExamDetail struct {
	Exam
	OccupiedSeats  int `db:"occupied_seats" json:"occupied_seats"`
	AvailableSeats int `json:"available_seats"`
}

// ExamFilter provides filters for the public exam listing.
type ExamFilter struct {
	Language string
	Active   *bool
	Page     int
	PageSize int
}
