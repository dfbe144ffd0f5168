// Package compat decides whether a client environment can drive an NFC scan.
package compat

import (
	"net"
	"net/http"
	"strings"
)

// Reasons reported when Supported is false, in priority order.
const (
	ReasonInsecureContext = "secure context (HTTPS) required"
	ReasonBrowser         = "unsupported browser; use Chrome, Edge, Samsung Internet or Opera"
	ReasonPlatform        = "NFC requires an Android mobile device"
	ReasonHardwareAPI     = "NFC API not available on this device"
)

// NDEFHeader is set by the reader bridge when the Web NFC NDEFReader exists.
const NDEFHeader = "X-NFC-Api"

// Environment is what the client reports about itself.
type Environment struct {
	SecureContext bool   `json:"secureContext"`
	UserAgent     string `json:"userAgent"`
	NDEFReader    bool   `json:"ndefReader"`
}

// Report is the capability verdict for one Environment.
type Report struct {
	SecureContext      bool   `json:"secureContext"`
	RecognizedBrowser  bool   `json:"recognizedBrowser"`
	MobilePlatform     bool   `json:"mobilePlatform"`
	HardwareAPIPresent bool   `json:"hardwareApiPresent"`
	Supported          bool   `json:"supported"`
	Reason             string `json:"reason,omitempty"`
}

var browserMarkers = []string{"chrome/", "crios/", "edg/", "edga/", "samsungbrowser/", "opr/"}

// Probe is pure: the same Environment always yields the same Report.
func Probe(env Environment) Report {
	ua := strings.ToLower(env.UserAgent)
	r := Report{
		SecureContext:      env.SecureContext,
		RecognizedBrowser:  containsAny(ua, browserMarkers),
		MobilePlatform:     strings.Contains(ua, "android"),
		HardwareAPIPresent: env.NDEFReader,
	}
	r.Supported = r.SecureContext && r.RecognizedBrowser && r.MobilePlatform && r.HardwareAPIPresent

	switch {
	case r.Supported:
	case !r.SecureContext:
		r.Reason = ReasonInsecureContext
	case !r.RecognizedBrowser:
		r.Reason = ReasonBrowser
	case !r.MobilePlatform:
		r.Reason = ReasonPlatform
	default:
		r.Reason = ReasonHardwareAPI
	}
	return r
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// EnvironmentFromRequest builds an Environment from a bridge request.
func EnvironmentFromRequest(r *http.Request) Environment {
	return Environment{
		SecureContext: isSecure(r),
		UserAgent:     r.UserAgent(),
		NDEFReader:    strings.EqualFold(r.Header.Get(NDEFHeader), "ndef"),
	}
}

func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	// Browsers treat loopback origins as secure contexts.
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
