package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// MaxMindProvider implements Provider over a GeoLite2 Country or City
// database.
type MaxMindProvider struct {
	reader *maxminddb.Reader
}

// NewMaxMindProvider opens the database at dbPath.
func NewMaxMindProvider(dbPath string) (*MaxMindProvider, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

// Lookup returns geo information for ip, or nil if the database has no
// entry for it.
func (m *MaxMindProvider) Lookup(ip net.IP) (*Info, error) {
	var record mmdbRecord
	if err := m.reader.Lookup(ip, &record); err != nil {
		return nil, err
	}
	if record.Country.ISOCode == "" {
		return nil, nil
	}

	info := &Info{CountryCode: record.Country.ISOCode}
	if len(record.Subdivisions) > 0 {
		info.Region = record.Subdivisions[0].ISOCode
	}
	info.City = record.City.Names["en"]
	return info, nil
}

// Close closes the GeoIP database.
func (m *MaxMindProvider) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}
