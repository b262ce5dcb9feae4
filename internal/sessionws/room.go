package sessionws

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Room ids have the form "<host>/<room>", e.g. "chat.example.org:8080/lobby".

var roomNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ParseRoomURL splits an open group URL into its server base URL and room
// name. A URL without a scheme is taken as https.
func ParseRoomURL(raw string) (server, room string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("sessionws: room url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", "", fmt.Errorf("sessionws: room url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("sessionws: room url: missing host")
	}
	room = strings.Trim(u.Path, "/")
	if !roomNameRe.MatchString(room) {
		return "", "", fmt.Errorf("sessionws: room url: invalid room %q", room)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), room, nil
}

// RoomID builds the id of room on server. server may be a base URL or a bare host.
func RoomID(server, room string) string {
	host := server
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		host = u.Host
	}
	return strings.ToLower(host) + "/" + room
}

// SplitRoomID returns the host and room of a room id.
func SplitRoomID(id string) (host, room string, ok bool) {
	host, room, ok = strings.Cut(id, "/")
	if !ok || host == "" || !validHostPort(host) {
		return "", "", false
	}
	if !roomNameRe.MatchString(room) {
		return "", "", false
	}
	return host, room, true
}

// IsRoomID reports whether s is a room id.
func IsRoomID(s string) bool {
	_, _, ok := SplitRoomID(s)
	return ok
}

func validHostPort(host string) bool {
	u, err := url.Parse("//" + host)
	return err == nil && u.Host == host && u.Path == ""
}
