package enricher

import (
	"net"

	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/session"
)

type Enricher struct {
	geoIP *geoip2.Reader
}

func NewEnricher(geoIPPath string) *Enricher {
	// Try to load GeoIP database
	var geoIP *geoip2.Reader
	if geoIPPath != "" {
		var err error
		geoIP, err = geoip2.Open(geoIPPath)
		if err != nil {
			log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable, skipping location lookup")
		}
	}

	return &Enricher{
		geoIP: geoIP,
	}
}

// Enrich derives device and location details for the submitting client.
func (e *Enricher) Enrich(userAgentString, clientIP string) session.ClientInfo {
	info := session.ClientInfo{
		IP:         clientIP,
		UserAgent:  userAgentString,
		DeviceType: "unknown",
	}

	// Parse user agent
	if userAgentString != "" {
		ua := useragent.New(userAgentString)
		info.Browser, info.BrowserVersion = ua.Browser()
		info.OS = ua.OS()
		info.DeviceType = getDeviceType(ua)
	}

	// GeoIP lookup
	if e.geoIP != nil && clientIP != "" {
		if ip := parseIP(clientIP); ip != nil {
			record, err := e.geoIP.City(ip)
			if err == nil {
				info.Country = record.Country.IsoCode
				if name, ok := record.City.Names["en"]; ok {
					info.City = name
				}
			}
		}
	}

	return info
}

// parseIP accepts a bare address or host:port.
func parseIP(s string) net.IP {
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return net.ParseIP(s)
}

func getDeviceType(ua *useragent.UserAgent) string {
	if ua.Bot() {
		return "bot"
	}
	if ua.Mobile() {
		return "mobile"
	}
	return "desktop"
}

func (e *Enricher) Close() {
	if e.geoIP != nil {
		e.geoIP.Close()
	}
}
