// Command sessionctl drives the outbound message dispatcher.
//
// Usage:
//
//	sessionctl init <name>                  Create the local account
//	sessionctl send <user> <msg>            Send a text message to every device of a user
//	sessionctl send-group <group> <msg>     Send to a closed group
//	sessionctl pending                      Show staged messages
//	sessionctl serve --config session.yaml  Run the dispatcher with periodic drains
package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	session "github.com/avinashbhat/session-desktop"
)

type globalOpts struct {
	DB      string `long:"db" env:"SESSION_DB_PATH" description:"Path to database file"`
	APIURL  string `long:"api-url" env:"SESSION_API_URL" description:"Storage server URL"`
	WSURL   string `long:"ws-url" env:"SESSION_WS_URL" description:"Open group server WebSocket URL"`
	Redis   string `long:"redis" env:"SESSION_REDIS_URL" description:"Keep pending messages in Redis at this URL"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Init          initCommand          `command:"init" description:"Create the local account"`
	Whoami        whoamiCommand        `command:"whoami" description:"Show the local account"`
	LinkDevice    linkDeviceCommand    `command:"link-device" description:"Record a device as belonging to a user"`
	SetGroup      setGroupCommand      `command:"set-group" description:"Create or replace a closed group"`
	Send          sendCommand          `command:"send" description:"Send a text message to a user"`
	SendDevices   sendDevicesCommand   `command:"send-devices" description:"Send a text message to explicit devices"`
	SendGroup     sendGroupCommand     `command:"send-group" description:"Send a text message to a closed group"`
	SendOpenGroup sendOpenGroupCommand `command:"send-open-group" description:"Post a text message to an open group room"`
	EndSession    endSessionCommand    `command:"end-session" description:"Reset the secure channel with a device"`
	Pending       pendingCommand       `command:"pending" description:"Show staged messages per device"`
	Drain         drainCommand         `command:"drain" description:"Retry every staged message once"`
	Serve         serveCommand         `command:"serve" description:"Run the dispatcher until interrupted"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func clientOpts() []session.Option {
	var copts []session.Option
	if opts.DB != "" {
		copts = append(copts, session.WithDBPath(opts.DB))
	}
	if opts.APIURL != "" {
		copts = append(copts, session.WithAPIURL(opts.APIURL))
	}
	if opts.WSURL != "" {
		copts = append(copts, session.WithWSURL(opts.WSURL))
	}
	if opts.Redis != "" {
		copts = append(copts, session.WithRedis(opts.Redis, ""))
	}
	level := zerolog.WarnLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	copts = append(copts, session.WithLogger(session.NewConsoleLogger(level)))
	return copts
}

// loadClient opens the client or exits.
func loadClient(ctx context.Context) *session.Client {
	c, err := session.Open(ctx, clientOpts()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}
