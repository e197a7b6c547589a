package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver answers lookups from local GeoLite2 databases. It is used as
// the offline fallback behind the HTTP provider.
type MaxMindResolver struct {
	cityReader *geoip2.Reader
	asnReader  *geoip2.Reader
}

// NewMaxMindResolver opens the City database and, if asnPath is set, the ASN
// database used for the ISP field.
func NewMaxMindResolver(cityPath, asnPath string) (*MaxMindResolver, error) {
	cityReader, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("open city database: %w", err)
	}
	m := &MaxMindResolver{cityReader: cityReader}
	if asnPath != "" {
		asnReader, err := geoip2.Open(asnPath)
		if err != nil {
			cityReader.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
		m.asnReader = asnReader
	}
	return m, nil
}

// Close releases the database readers.
func (m *MaxMindResolver) Close() {
	if m.cityReader != nil {
		m.cityReader.Close()
	}
	if m.asnReader != nil {
		m.asnReader.Close()
	}
}

// Lookup implements Resolver. MaxMind cannot resolve the caller's own
// address, so an empty ip is ErrNoData.
func (m *MaxMindResolver) Lookup(_ context.Context, ipAddress string) (*Record, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, ErrNoData
	}

	city, err := m.cityReader.City(ip)
	if err != nil {
		return nil, fmt.Errorf("geo: maxmind city: %w", err)
	}
	if city.Country.IsoCode == "" && city.Location.TimeZone == "" {
		return nil, ErrNoData
	}

	rec := &Record{
		IP:          ip.String(),
		Country:     city.Country.Names["en"],
		CountryCode: city.Country.IsoCode,
		City:        city.City.Names["en"],
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
		HasCoords:   city.Location.Latitude != 0 || city.Location.Longitude != 0,
		Timezone:    city.Location.TimeZone,
		PostalCode:  city.Postal.Code,
		Source:      "maxmind",
	}
	if len(city.Subdivisions) > 0 {
		rec.Region = city.Subdivisions[0].Names["en"]
	}
	if city.Traits.IsAnonymousProxy {
		proxy := true
		rec.Proxy = &proxy
	}

	if m.asnReader != nil {
		if asn, err := m.asnReader.ASN(ip); err == nil {
			rec.ISP = asn.AutonomousSystemOrganization
		}
	}
	return rec, nil
}
