// Package srs maps UTM zone codes and .prj sidecar text to EPSG identifiers.
package srs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Common geographic SRIDs.
const (
	WGS84 = 4326
	NAD83 = 4269
	NAD27 = 4267
)

// UTMZoneSRID converts a configured UTM code into an EPSG SRID.
//
// Zone numbers 1..60 select WGS 84 / UTM north (326zz) and -1..-60 select
// WGS 84 / UTM south (327zz). Full EPSG codes for WGS 84, NAD83 and NAD27
// UTM zones are passed through unchanged.
func UTMZoneSRID(code int) (int, error) {
	switch {
	case code >= 1 && code <= 60:
		return 32600 + code, nil
	case code <= -1 && code >= -60:
		return 32700 - code, nil
	case IsUTM(code):
		return code, nil
	}
	return 0, eris.Errorf("srs: %d is not a UTM zone or UTM EPSG code", code)
}

// IsUTM reports whether srid is a supported UTM projected CRS.
func IsUTM(srid int) bool {
	switch {
	case srid >= 32601 && srid <= 32660:
		return true
	case srid >= 32701 && srid <= 32760:
		return true
	case srid >= 26901 && srid <= 26923:
		return true
	case srid >= 26703 && srid <= 26722:
		return true
	}
	return false
}

// IsGeographic reports whether srid is one of the common lat/lon systems,
// where planar distances would be in degrees.
func IsGeographic(srid int) bool {
	return srid == WGS84 || srid == NAD83 || srid == NAD27
}

// Label returns a human readable name such as "WGS 84 / UTM zone 13N".
func Label(srid int) string {
	switch {
	case srid >= 32601 && srid <= 32660:
		return fmt.Sprintf("WGS 84 / UTM zone %dN", srid-32600)
	case srid >= 32701 && srid <= 32760:
		return fmt.Sprintf("WGS 84 / UTM zone %dS", srid-32700)
	case srid >= 26901 && srid <= 26923:
		return fmt.Sprintf("NAD83 / UTM zone %dN", srid-26900)
	case srid >= 26703 && srid <= 26722:
		return fmt.Sprintf("NAD27 / UTM zone %dN", srid-26700)
	case srid == WGS84:
		return "WGS 84"
	case srid == NAD83:
		return "NAD83"
	case srid == NAD27:
		return "NAD27"
	case srid == 0:
		return "unknown"
	}
	return fmt.Sprintf("EPSG:%d", srid)
}

var (
	// Top-level AUTHORITY is the last one before the closing bracket.
	authorityRe = regexp.MustCompile(`(?i)AUTHORITY\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]\s*\]\s*$`)
	projcsRe    = regexp.MustCompile(`(?i)^\s*PROJCS\[\s*"([^"]+)"`)
	geogcsRe    = regexp.MustCompile(`(?i)^\s*GEOGCS\[\s*"([^"]+)"`)
	esriUTMRe   = regexp.MustCompile(`(?i)^(WGS_1984|NAD_1983|NAD_1927)_UTM_Zone_(\d{1,2})([NS])$`)
	ogcUTMRe    = regexp.MustCompile(`(?i)^(WGS 84|NAD83|NAD27) / UTM zone (\d{1,2})([NS])$`)
)

var geographicNames = map[string]int{
	"gcs_wgs_1984":            WGS84,
	"wgs 84":                  WGS84,
	"wgs84":                   WGS84,
	"gcs_north_american_1983": NAD83,
	"nad83":                   NAD83,
	"gcs_north_american_1927": NAD27,
	"nad27":                   NAD27,
}

// ParsePRJ extracts an EPSG SRID from .prj WKT. It returns 0 when the text
// carries no recognizable identifier.
func ParsePRJ(wkt string) int {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return 0
	}

	if m := authorityRe.FindStringSubmatch(wkt); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			return code
		}
	}

	if m := projcsRe.FindStringSubmatch(wkt); m != nil {
		return utmFromName(m[1])
	}

	if m := geogcsRe.FindStringSubmatch(wkt); m != nil {
		return geographicNames[strings.ToLower(m[1])]
	}

	return 0
}

func utmFromName(name string) int {
	var datum, hemi string
	var zone int

	if m := esriUTMRe.FindStringSubmatch(name); m != nil {
		datum, hemi = strings.ToUpper(m[1]), strings.ToUpper(m[3])
		zone, _ = strconv.Atoi(m[2])
		datum = strings.ReplaceAll(datum, "_", "")
		datum = strings.Replace(datum, "NAD19", "NAD", 1)
	} else if m := ogcUTMRe.FindStringSubmatch(name); m != nil {
		datum, hemi = strings.ToUpper(strings.ReplaceAll(m[1], " ", "")), strings.ToUpper(m[3])
		zone, _ = strconv.Atoi(m[2])
	} else {
		return 0
	}

	if zone < 1 || zone > 60 {
		return 0
	}

	var srid int
	switch {
	case datum == "WGS1984" || datum == "WGS84":
		srid = 32600 + zone
		if hemi == "S" {
			srid = 32700 + zone
		}
	case datum == "NAD83" && hemi == "N":
		srid = 26900 + zone
	case datum == "NAD27" && hemi == "N":
		srid = 26700 + zone
	default:
		return 0
	}

	if !IsUTM(srid) {
		return 0
	}
	return srid
}
