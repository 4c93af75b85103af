// Package fdsn implements the wire-level plumbing shared by all pipeline
// stages: FDSN URL normalization, channel filters with wildcard and
// negation support, and parsers for the text response formats of the
// event, station and routing services.
package fdsn

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ServiceStation and ServiceDataselect are the two sibling FDSN services a
// normalized URL pair points at.
const (
	ServiceStation    = "station"
	ServiceDataselect = "dataselect"
)

var fdsnURLRe = regexp.MustCompile(
	`^(?P<base>https?://[^/]+(?:/[^/]+)*?)/fdsnws/(?P<service>station|dataselect)/(?P<version>\d+)(?:/query/?)?$`)

// NormalizeURLs derives the (station, dataselect) endpoint pair from any
// FDSN URL of the form SCHEME://HOST[/path]/fdsnws/{station|dataselect}/VERSION[/query].
// Rewriting is involutive: normalizing either returned URL reproduces the
// same pair. URLs not matching the pattern are rejected.
func NormalizeURLs(u string) (stationURL, dataselectURL string, err error) {
	m := fdsnURLRe.FindStringSubmatch(strings.TrimSpace(u))
	if m == nil {
		return "", "", fmt.Errorf("fdsn: not a valid fdsn url: %q", u)
	}
	base, version := m[1], m[3]
	stationURL = fmt.Sprintf("%s/fdsnws/%s/%s/query", base, ServiceStation, version)
	dataselectURL = fmt.Sprintf("%s/fdsnws/%s/%s/query", base, ServiceDataselect, version)
	return stationURL, dataselectURL, nil
}

// SiteHost returns the host part of a URL for stats aggregation, without
// scheme or path. Malformed input is returned unchanged.
func SiteHost(u string) string {
	s := u
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// MSeedID builds the record identifier "NET.STA.LOC.CHA". An empty
// location yields two consecutive dots, matching miniSEED identifiers.
func MSeedID(net, sta, loc, cha string) string {
	return net + "." + sta + "." + loc + "." + cha
}

// TimeFormat is the ISO format FDSN services expect in request bodies.
const TimeFormat = "2006-01-02T15:04:05"

// PostLine renders one "NET STA LOC CHA START END" request body line.
// An empty location is sent as "--" per the FDSN POST convention.
func PostLine(net, sta, loc, cha string, start, end time.Time) string {
	if loc == "" {
		loc = "--"
	}
	return fmt.Sprintf("%s %s %s %s %s %s",
		net, sta, loc, cha, start.UTC().Format(TimeFormat), end.UTC().Format(TimeFormat))
}
