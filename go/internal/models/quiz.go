package models

import (
	"time"

	"github.com/google/uuid"
)

// Role distinguishes teacher and student accounts.
type Role string

const (
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
)

// User is a directory entry. Authentication lives outside this service;
// we only read role and display name.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// Quiz is a catalog entry read by the dispatch core. Authoring is out of scope.
type Quiz struct {
	ID             uuid.UUID `json:"id"`
	CourseID       string    `json:"course_id"`
	Prompt         string    `json:"prompt"`
	Options        []string  `json:"options"`
	CorrectOption  int       `json:"correct_option"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// Course is a catalog entry with an enrollment roster.
type Course struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}
