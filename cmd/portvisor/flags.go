package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Timeout    time.Duration

	// APIURL switches status and the actions to a running daemon.
	APIURL   string
	CACert   string
	Insecure bool
}

type StatusFlags struct {
	JSON bool
}

type ActionFlags struct {
	JSON bool
}

type CheckFlags struct {
	JSON bool
}

type ServeFlags struct {
	Listen      string
	BasePath    string
	KeepRunning bool
	Daemonize   bool
}
