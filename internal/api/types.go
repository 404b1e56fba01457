package api

import "time"

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error" example:"nothing to roll back"`
}

// MessageResponse is returned by apply and rollback
type MessageResponse struct {
	Message string `json:"message" example:"Pending scripts applied"`
	Target  string `json:"target,omitempty" example:"20240101_0001_create_users"`
}

// DatabaseHealth describes the database part of a health check
type DatabaseHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string         `json:"status" example:"healthy"`
	Timestamp time.Time      `json:"timestamp"`
	Database  DatabaseHealth `json:"database"`
}
