package models

import (
	"time"

	"github.com/lib/pq"
)

// Cycle is a capacity-bearing course offering (a group of one language and
// level running across a date range). This service reads cycles; the
// curriculum back office owns their lifecycle.
type Cycle struct {
	ID            int64          `db:"id" json:"id"`
	Code          string         `db:"code" json:"code"`
	Language      string         `db:"language" json:"language"`
	Level         string         `db:"level" json:"level"`
	Modality      string         `db:"modality" json:"modality"`
	Shift         string         `db:"shift" json:"shift"`
	CapacityTotal int            `db:"capacity_total" json:"capacity_total"`
	Days          pq.StringArray `db:"days" json:"days"`
	StartTime     string         `db:"start_time" json:"start_time"`
	EndTime       string         `db:"end_time" json:"end_time"`
	EnrollStart   time.Time      `db:"enroll_start" json:"enroll_start"`
	EnrollEnd     time.Time      `db:"enroll_end" json:"enroll_end"`
	CourseStart   time.Time      `db:"course_start" json:"course_start"`
	CourseEnd     time.Time      `db:"course_end" json:"course_end"`
	Room          *string        `db:"room" json:"room,omitempty"`
	TeacherID     *int64         `db:"teacher_id" json:"teacher_id,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Seats returns the configured capacity.
func (c *Cycle) Seats() int {
	return c.CapacityTotal
}

// AdmissionWindow returns the inclusive enrollment window. Cycles always
// carry one.
func (c *Cycle) AdmissionWindow() (start, end *time.Time) {
	s, e := c.EnrollStart, c.EnrollEnd
	return &s, &e
}

// CycleDetail enriches a cycle with the availability the public catalog
// exposes.
type CycleDetail struct {
	Cycle
	OccupiedSeats  int     `db:"occupied_seats" json:"occupied_seats"`
	AvailableSeats int     `json:"available_seats"`
	TeacherName    *string `db:"teacher_name" json:"teacher_name,omitempty"`
}

// CycleFilter provides filters for the public cycle listing.
type CycleFilter struct {
	Language string
	Level    string
	Modality string
	Page     int
	PageSize int
}
