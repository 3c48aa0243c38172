// Package geo resolves a request's origin IP to a country for event and log
// enrichment. The result is never a model feature.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// countryReader is the subset of *geoip2.Reader used here.
type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Resolver looks up ISO country codes in a MaxMind database.
type Resolver struct {
	db countryReader
}

// Open loads the MaxMind Country or City database at path.
func Open(path string) (*Resolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Resolver{db: db}, nil
}

// Country returns the ISO 3166-1 alpha-2 code for ip, or "" when ip is
// unparseable, private or unknown to the database.
func (r *Resolver) Country(ip string) string {
	if r == nil || r.db == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return ""
	}
	rec, err := r.db.Country(parsed)
	if err != nil || rec == nil {
		return ""
	}
	return rec.Country.IsoCode
}

// Close releases the database.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
