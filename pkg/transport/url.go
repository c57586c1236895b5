package transport

import (
	"net"
	"net/url"
	"strings"
)

// Endpoint is where the relay is reachable, as a page would see its own location.
type Endpoint struct {
	Secure bool
	Host   string
	Port   string
}

func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		Secure: u.Scheme == "https" || u.Scheme == "wss",
		Host:   u.Hostname(),
		Port:   u.Port(),
	}, nil
}

func IsLocalOrIP(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}

// IngestURL returns the relay websocket URL for streamKey. Secure
// websockets are only used for public hostnames, and the port is only
// kept for local or IP hosts.
func IngestURL(ep Endpoint, streamKey, mimeType string, ignoreCookies bool) string {
	local := IsLocalOrIP(ep.Host)
	scheme := "ws"
	if ep.Secure && !local {
		scheme = "wss"
	}
	host := ep.Host
	if strings.Contains(host, ":") {
		host = "[" + strings.Trim(host, "[]") + "]"
	}
	if local && ep.Port != "" {
		host += ":" + ep.Port
	}
	q := url.Values{}
	if mimeType != "" {
		q.Set("mimeType", mimeType)
	}
	if ignoreCookies {
		q.Set("ignoreCookies", "true")
	}
	u := scheme + "://" + host + "/ingest/ws/" + url.PathEscape(streamKey)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// SignalingURL appends the stream key to the offer endpoint. Keys that are
// full RTMP URLs go in the rtmp parameter.
func SignalingURL(base, streamKey string) string {
	param := "streamKey"
	if strings.Contains(streamKey, "://") {
		param = "rtmp"
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + url.Values{param: []string{streamKey}}.Encode()
}
