package job

import "strings"

// Key holds the identity fields a simulation id is built from.
type Key struct {
	LocationID string
	CropModel  string

	// ClimateSource is part of the id only when set. Experiments with a
	// single climate source leave it empty so their ids stay short.
	ClimateSource string

	ClimateModel string
	Scenario     string
	SowingDate   string
}

// KeyOf extracts the identity fields of j, without the climate source.
func KeyOf(j Job) Key {
	return Key{
		LocationID:   j.LocationID,
		CropModel:    j.CropModel,
		ClimateModel: j.ClimateModel,
		Scenario:     j.Scenario,
		SowingDate:   j.SowingDate,
	}
}

// ID returns the deterministic simulation id for k:
//
//	<location>_<crop model>[_<climate source>]_<climate model>_<scenario>_<sowing date without dashes>
//
// The result depends only on the identity fields, so regenerating a matrix
// from the same configuration reproduces the same ids. Ids are unambiguous
// as long as no field after the location contains an underscore; the
// experiment loader enforces that.
func (k Key) ID() string {
	parts := make([]string, 0, 6)
	parts = append(parts, k.LocationID, k.CropModel)
	if k.ClimateSource != "" {
		parts = append(parts, k.ClimateSource)
	}
	parts = append(parts, k.ClimateModel, k.Scenario, strings.ReplaceAll(k.SowingDate, "-", ""))
	return strings.Join(parts, "_")
}
