package model

import "time"

// Student is an exam taker.
type Student struct {
	ID            int       `json:"id"`
	StudentNumber string    `json:"student_number"`
	Name          string    `json:"name"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Invigilator supervises live quizzes through the monitor feed.
type Invigilator struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// StudentLoginRequest is the student login payload.
type StudentLoginRequest struct {
	StudentNumber string `json:"student_number" binding:"required,min=4,max=20"`
	Password      string `json:"password" binding:"required,min=6"`
}

// InvigilatorLoginRequest is the invigilator login payload.
type InvigilatorLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}
