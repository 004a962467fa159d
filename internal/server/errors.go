package server

import "errors"

var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrSessionClosed        = errors.New("session is closed")
	ErrMapExists            = errors.New("map id already in use in this session")
)
