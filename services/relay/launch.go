package relay

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/SAP/leanix-custom-report-tools/pkg/auth"
)

// ErrMissingClaims is returned when the access token does not name an instance and workspace.
var ErrMissingClaims = errors.New("access token carries no workspace claims")

// Hostname is a configured bind host together with the name printed to users.
type Hostname struct {
	Host string
	Name string
}

// ResolveHostname maps wildcard and loopback bind hosts to "localhost".
func ResolveHostname(host string) Hostname {
	host = strings.TrimSpace(host)
	trimmed := strings.Trim(host, "[]")
	if trimmed == "" {
		return Hostname{Host: host, Name: "localhost"}
	}
	if ip := net.ParseIP(trimmed); ip != nil && (ip.IsUnspecified() || ip.IsLoopback()) {
		return Hostname{Host: host, Name: "localhost"}
	}
	return Hostname{Host: host, Name: trimmed}
}

// BaseURL builds http://name:port for a bound listener address.
func BaseURL(name string, addr net.Addr) (string, error) {
	if addr == nil {
		return "", errors.New("listener address is not available")
	}
	port, err := portOf(addr)
	if err != nil {
		return "", err
	}
	return "http://" + net.JoinHostPort(name, strconv.Itoa(port)), nil
}

func portOf(addr net.Addr) (int, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port, nil
	}
	_, rawPort, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, fmt.Errorf("parse listener address %q: %w", addr.String(), err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return 0, fmt.Errorf("parse listener port %q: %w", rawPort, err)
	}
	return port, nil
}

// LaunchURL composes the workspace deep link that loads the local report in dev mode.
// The result depends only on its arguments.
func LaunchURL(devServerURL, accessToken, relayURL, title string) (string, error) {
	claims := auth.Claims(accessToken)
	if claims == nil || claims.InstanceURL == "" || claims.WorkspaceName() == "" {
		return "", ErrMissingClaims
	}

	query := url.Values{}
	query.Set("url", devServerURL)
	query.Set("relay", relayURL)
	if title != "" {
		query.Set("title", title)
	}

	base := strings.TrimRight(claims.InstanceURL, "/") + "/" + url.PathEscape(claims.WorkspaceName()) + "/reports/dev"
	return base + "?" + query.Encode() + "#access_token=" + accessToken, nil
}
