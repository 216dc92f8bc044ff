package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classcast/classcast/go/internal/auth"
	"github.com/classcast/classcast/go/internal/dbconfig"
)

// seed_roster creates the schema and a demo course with one teacher, a small
// student roster and a handful of quizzes, then prints ready-to-use tokens
// for connecting web clients against a dev server.

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id           text PRIMARY KEY,
		display_name text NOT NULL,
		role         text NOT NULL,
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS courses (
		id         text PRIMARY KEY,
		name       text NOT NULL,
		owner_id   text NOT NULL REFERENCES users(id),
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		course_id  text NOT NULL REFERENCES courses(id),
		student_id text NOT NULL REFERENCES users(id),
		PRIMARY KEY (course_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS quizzes (
		id              uuid PRIMARY KEY,
		course_id       text NOT NULL REFERENCES courses(id),
		prompt          text NOT NULL,
		options         text[] NOT NULL,
		correct_option  int NOT NULL,
		timeout_seconds int NOT NULL DEFAULT 60,
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pushes (
		id                 uuid PRIMARY KEY,
		quiz_id            uuid NOT NULL,
		course_id          text NOT NULL,
		issued_by          text NOT NULL,
		timeout_seconds    int NOT NULL,
		started_at         timestamptz NOT NULL,
		target_student_ids text[] NOT NULL,
		undone_at          timestamptz
	)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id              uuid PRIMARY KEY,
		student_id      text NOT NULL,
		push_id         uuid NOT NULL,
		quiz_id         uuid NOT NULL,
		course_id       text NOT NULL,
		status          text NOT NULL,
		added_at        timestamptz NOT NULL,
		first_viewed_at timestamptz,
		UNIQUE (student_id, push_id)
	)`,
	`CREATE TABLE IF NOT EXISTS responses (
		id          uuid PRIMARY KEY,
		push_id     uuid NOT NULL,
		quiz_id     uuid NOT NULL,
		student_id  text NOT NULL,
		answer      text NOT NULL,
		started_at  timestamptz NOT NULL,
		answered_at timestamptz NOT NULL,
		elapsed_ms  bigint NOT NULL,
		status      text NOT NULL,
		UNIQUE (push_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id             uuid PRIMARY KEY,
		student_id     text NOT NULL,
		course_id      text NOT NULL,
		status         text NOT NULL,
		started_at     timestamptz NOT NULL,
		last_status_at timestamptz NOT NULL,
		ended_at       timestamptz,
		active_tab_id  text NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_student_course
		ON queue_entries (student_id, course_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_sessions_student
		ON attendance_sessions (student_id, status)`,
}

type seedUser struct {
	ID   string
	Name string
	Role string
}

func main() {
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	ctx := context.Background()

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			fmt.Fprintf(os.Stderr, "schema: %v\n", err)
			os.Exit(1)
		}
	}

	users := []seedUser{
		{ID: "t-rivera", Name: "Prof. Rivera", Role: "TEACHER"},
		{ID: "s-ada", Name: "Ada", Role: "STUDENT"},
		{ID: "s-grace", Name: "Grace", Role: "STUDENT"},
		{ID: "s-linus", Name: "Linus", Role: "STUDENT"},
	}
	for _, u := range users {
		if _, err := pool.Exec(ctx, `
			INSERT INTO users (id, display_name, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`, u.ID, u.Name, u.Role); err != nil {
			fmt.Fprintf(os.Stderr, "error inserting user %s: %v\n", u.ID, err)
			os.Exit(1)
		}
	}

	courseID := "cs101"
	if _, err := pool.Exec(ctx, `
		INSERT INTO courses (id, name, owner_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, courseID, "Intro to Computer Science", "t-rivera"); err != nil {
		fmt.Fprintf(os.Stderr, "error inserting course: %v\n", err)
		os.Exit(1)
	}
	for _, u := range users[1:] {
		if _, err := pool.Exec(ctx, `
			INSERT INTO enrollments (course_id, student_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, courseID, u.ID); err != nil {
			fmt.Fprintf(os.Stderr, "error enrolling %s: %v\n", u.ID, err)
			os.Exit(1)
		}
	}

	quizzes := []struct {
		Prompt  string
		Options []string
		Correct int
		Timeout int
	}{
		{"What does CPU stand for?", []string{"Central Processing Unit", "Computer Personal Unit", "Central Program Utility"}, 0, 60},
		{"Which data structure is FIFO?", []string{"Stack", "Queue", "Tree"}, 1, 45},
		{"What base is binary?", []string{"2", "8", "16"}, 0, 30},
	}
	inserted := 0
	for _, q := range quizzes {
		tag, err := pool.Exec(ctx, `
			INSERT INTO quizzes (id, course_id, prompt, options, correct_option, timeout_seconds)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE NOT EXISTS (SELECT 1 FROM quizzes WHERE course_id = $2 AND prompt = $3)`,
			uuid.New(), courseID, q.Prompt, q.Options, q.Correct, q.Timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting quiz: %v\n", err)
			os.Exit(1)
		}
		if tag.RowsAffected() == 1 {
			inserted++
		}
	}

	fmt.Printf("Seed complete: %d users, 1 course, %d quizzes inserted\n", len(users), inserted)

	jwtKey := os.Getenv("JWT_KEY")
	if jwtKey == "" {
		fmt.Println("JWT_KEY not set, skipping token output")
		return
	}
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = "classcast"
	}

	fmt.Println("\nDev tokens (12h):")
	for _, u := range users {
		token, err := auth.Issue(u.ID, u.Role, u.Name, issuer, jwtKey, 12*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error issuing token for %s: %v\n", u.ID, err)
			continue
		}
		fmt.Printf("  %-8s %s\n", u.ID, token)
	}
}
