package main

import "time"

// Flag structs decouple cobra wiring from command logic for testing.

type ServeFlags struct {
	ConfigPath string
}

// ServiceFlags covers start/stop/restart, which act on a single key.
type ServiceFlags struct {
	Key        string
	APIUrl     string
	APITimeout time.Duration
}

type StatusFlags struct {
	Key        string
	APIUrl     string
	APITimeout time.Duration
}

// ListFlags covers services/ports/providers, which take no arguments.
type ListFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type RouteFlags struct {
	Text       string
	SourceLang string
	TargetLang string
	RequestID  string
	APIUrl     string
	APITimeout time.Duration
}

type UsageFlags struct {
	Key        string
	History    bool
	APIUrl     string
	APITimeout time.Duration
}

// TemplateFlags covers the local template generator; no daemon involved.
type TemplateFlags struct {
	Type   string
	Key    string
	Output string
	Force  bool
}
