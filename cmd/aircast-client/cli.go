package main

import "flag"

// Options holds CLI options for the client.
type Options struct {
	ConfigPath string
	// Connect is an optional peer id to connect to once discovered.
	Connect string
	// Remote is an optional manually entered remote/relay address
	// ("host:port"); it is announced as a discoverable peer.
	Remote string
	// Secret is the pairing secret for the handshake.
	Secret string
	// InputOnly requests a session without video/audio.
	InputOnly bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("aircast-client", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Connect, "connect", "", "Peer id to connect to when discovered")
	fs.StringVar(&opts.Remote, "remote", "", "Manually entered remote address host:port")
	fs.StringVar(&opts.Secret, "secret", "", "Pairing secret")
	fs.BoolVar(&opts.InputOnly, "input-only", false, "Request an input-only session (no media)")
	_ = fs.Parse(args)
	return opts
}
