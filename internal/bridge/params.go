package bridge

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is the SSH port used when the request does not name one.
const DefaultPort = 22

// MissingParamsMessage is sent to the client when host or username is absent.
const MissingParamsMessage = "Error: Missing host or username"

// Params are the session parameters carried in the connection URL.
type Params struct {
	Host     string
	Username string
	Port     int
	// SourceIP is the client address; informational only.
	SourceIP string
}

// ParamError rejects a connection before any Session exists. Message is the
// diagnostic text sent to the client.
type ParamError struct {
	Message string
}

func (e *ParamError) Error() string { return e.Message }

// ParseParams extracts host, username and port from the query string.
// Blank values count as missing.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		Host:     strings.TrimSpace(q.Get("host")),
		Username: strings.TrimSpace(q.Get("username")),
		Port:     DefaultPort,
	}
	if p.Host == "" || p.Username == "" {
		return Params{}, &ParamError{Message: MissingParamsMessage}
	}

	if raw := strings.TrimSpace(q.Get("port")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return Params{}, &ParamError{Message: fmt.Sprintf("Error: Invalid port %q", raw)}
		}
		p.Port = port
	}
	return p, nil
}
