// Package cachecontrol parses the HTTP Cache-Control header into its
// component directives.
package cachecontrol

import (
	"strconv"
	"strings"
	"time"
)

// Directives is a parsed Cache-Control header.
type Directives struct {
	noStore   bool
	noCache   bool
	public    bool
	private   bool
	maxAge    time.Duration
	hasMaxAge bool
}

// Parse parses a raw Cache-Control header value. An empty value yields the
// zero Directives (cacheable, no max-age).
func Parse(raw string) Directives {
	var d Directives
	if raw == "" {
		return d
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, _ := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.Trim(strings.TrimSpace(val), `"`)

		switch key {
		case "no-store":
			d.noStore = true
		case "no-cache":
			d.noCache = true
		case "public":
			d.public = true
		case "private":
			d.private = true
		case "max-age":
			if secs, err := strconv.Atoi(val); err == nil {
				d.maxAge = time.Duration(secs) * time.Second
				d.hasMaxAge = true
			}
		}
	}
	return d
}

// NoStore reports the no-store directive.
func (d Directives) NoStore() bool { return d.noStore }

// NoCache reports the no-cache directive.
func (d Directives) NoCache() bool { return d.noCache }

// Public reports the public directive.
func (d Directives) Public() bool { return d.public }

// Private reports the private directive.
func (d Directives) Private() bool { return d.private }

// HasMaxAge reports whether max-age was present.
func (d Directives) HasMaxAge() bool { return d.hasMaxAge }

// MaxAge returns the parsed max-age, or 0 if absent.
func (d Directives) MaxAge() time.Duration { return d.maxAge }

// Cacheable reports whether the directives permit caching at all.
func (d Directives) Cacheable() bool { return !d.noStore }
