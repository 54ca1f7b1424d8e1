package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

type ServeFlags struct {
	ConfigPath string
	PidFile    string
	LogFile    string
}

type RunListFlags struct {
	APIFlags
	Status string
	Client string
	Since  time.Duration
	Offset int
	Limit  int
}

type FolderAddFlags struct {
	APIFlags
	Path      string
	Schedule  string
	Disabled  bool
	ClientRef string
	Metadata  []string
}
