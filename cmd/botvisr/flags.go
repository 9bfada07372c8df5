package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
	JSON       bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StopFlags struct {
	Force bool
}

type FailFlags struct {
	Reason string
}

type SessionsFlags struct {
	Bot string
}

// LogsFlags selects a session either by id or by the active session of a bot.
type LogsFlags struct {
	Bot    string
	Offset int
	Limit  int
	Follow bool
}
