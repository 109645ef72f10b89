package experiment

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Location is one row of the locations table.
type Location struct {
	ID     string
	SoilID string

	// Lat and Lon are optional; HasCoords reports whether both were present.
	Lat       float64
	Lon       float64
	HasCoords bool
}

// LocationTable is the ordered set of simulation locations.
type LocationTable struct {
	rows  []Location
	index map[string]int
}

// NewLocationTable builds a table from rows, rejecting duplicate ids.
func NewLocationTable(rows []Location) (LocationTable, error) {
	t := LocationTable{rows: make([]Location, 0, len(rows)), index: make(map[string]int, len(rows))}
	for _, r := range rows {
		if r.ID == "" {
			return LocationTable{}, configErrorf("paths.locations_file", "location with empty location_id")
		}
		if strings.ContainsAny(r.ID, `/\`) {
			return LocationTable{}, configErrorf("paths.locations_file", "location_id %q must not contain a path separator", r.ID)
		}
		if _, dup := t.index[r.ID]; dup {
			return LocationTable{}, configErrorf("paths.locations_file", "duplicate location_id %q", r.ID)
		}
		t.index[r.ID] = len(t.rows)
		t.rows = append(t.rows, r)
	}
	return t, nil
}

// Len returns the number of locations.
func (t LocationTable) Len() int { return len(t.rows) }

// Rows returns the locations in file order.
func (t LocationTable) Rows() []Location {
	out := make([]Location, len(t.rows))
	copy(out, t.rows)
	return out
}

// Get looks up a location by id.
func (t LocationTable) Get(id string) (Location, bool) {
	i, ok := t.index[id]
	if !ok {
		return Location{}, false
	}
	return t.rows[i], true
}

// LoadLocations reads the locations CSV named by the configuration.
func LoadLocations(cfg *Config) (LocationTable, error) {
	f, err := os.Open(cfg.Paths.LocationsFile)
	if err != nil {
		return LocationTable{}, &ConfigurationError{Field: "paths.locations_file", Message: "cannot open locations file", Err: err}
	}
	defer func() { _ = f.Close() }()
	return ReadLocations(f)
}

// ReadLocations parses a locations CSV. Required columns are location_id and
// soil_id; lat/lon (or latitude/longitude) are optional. Column names are
// case-insensitive and may appear in any order.
func ReadLocations(r io.Reader) (LocationTable, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return LocationTable{}, configErrorf("paths.locations_file", "locations file is empty")
		}
		return LocationTable{}, &ConfigurationError{Field: "paths.locations_file", Message: "malformed header", Err: err}
	}

	cols := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		switch name {
		case "latitude":
			name = "lat"
		case "longitude":
			name = "lon"
		}
		cols[name] = i
	}
	idCol, ok := cols["location_id"]
	if !ok {
		return LocationTable{}, configErrorf("paths.locations_file", "missing required column location_id")
	}
	soilCol, ok := cols["soil_id"]
	if !ok {
		return LocationTable{}, configErrorf("paths.locations_file", "missing required column soil_id")
	}
	latCol, hasLat := cols["lat"]
	lonCol, hasLon := cols["lon"]

	var rows []Location
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return LocationTable{}, &ConfigurationError{Field: "paths.locations_file", Message: fmt.Sprintf("line %d", line), Err: err}
		}

		loc := Location{
			ID:     strings.TrimSpace(field(rec, idCol)),
			SoilID: strings.TrimSpace(field(rec, soilCol)),
		}
		if hasLat && hasLon {
			latRaw, lonRaw := strings.TrimSpace(field(rec, latCol)), strings.TrimSpace(field(rec, lonCol))
			if latRaw != "" && lonRaw != "" {
				lat, latErr := strconv.ParseFloat(latRaw, 64)
				lon, lonErr := strconv.ParseFloat(lonRaw, 64)
				if latErr != nil || lonErr != nil {
					return LocationTable{}, configErrorf("paths.locations_file", "line %d: invalid coordinates %q,%q", line, latRaw, lonRaw)
				}
				loc.Lat, loc.Lon, loc.HasCoords = lat, lon, true
			}
		}
		rows = append(rows, loc)
	}
	return NewLocationTable(rows)
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}
