package main

import (
	"fmt"
)

// CLI is the kong command tree for the debate-arena server, in the
// shape of the teacher pack's augustus CLI: one subcommand per mode of
// operation, each carrying its own flags.
var CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run the debate-arena server." default:"1"`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

// ServeCmd starts one instance of the server: HTTP/WebSocket listener,
// ownership manager, transport hub, and matchmaker.
type ServeCmd struct {
	ConfigFile string `help:"YAML config file path." type:"existingfile" name:"config-file" short:"c"`

	InstanceID string `help:"Stable instance identity (overrides config/env)." name:"instance-id"`
	PresetFile string `help:"Path to the preset catalog JSON file." name:"preset-file" default:"./configs/presets.json"`
	LogLevel   string `help:"Log level (debug, info, warn, error)." name:"log-level" default:"info"`
}

func (s *ServeCmd) Run() error {
	return runServe(s)
}

// VersionCmd prints build version information.
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Println("debate-arena " + version)
	return nil
}
