package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type UpFlags struct {
	ConfigPath string
	UseOSEnv   bool
	EnvKVs     []string
	EnvFiles   []string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type DownFlags struct {
	ConfigPath string
	Wait       time.Duration
	Remove     bool
	APIUrl     string
	APITimeout time.Duration
}

type StatusFlags struct {
	ConfigPath string
	JSON       bool
	APIUrl     string
	APITimeout time.Duration
}

type LogsFlags struct {
	ConfigPath string
	Stderr     bool
	TailLines  int
}

type VolumeFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath  string
	Listen      string
	BasePath    string
	MetricsAddr string
	UpAll       bool
}
