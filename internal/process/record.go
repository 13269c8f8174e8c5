package process

import "time"

// Canonical field names used across QC rules, archiving, and the database
// schema. Channel names map onto these case-insensitively.
const (
	FieldTime         = "time"
	FieldDepth        = "depth"
	FieldLatitude     = "latitude"
	FieldLongitude    = "longitude"
	FieldTemperature  = "temperature"
	FieldSalinity     = "salinity"
	FieldOxygen       = "oxygen"
	FieldFluorescence = "fluorescence"
	FieldPH           = "ph"
	FieldConductivity = "conductivity"
	FieldDensity      = "density"
)

// Record is a normalized scan: canonical fields plus an open map for
// channels that have no canonical mapping.
type Record struct {
	// Time is the absolute instant of the scan, always present, UTC.
	Time time.Time

	// Canonical measurements. Nil means absent.
	Depth        *float64
	Latitude     *float64
	Longitude    *float64
	Temperature  *float64
	Salinity     *float64
	Oxygen       *float64
	Fluorescence *float64
	PH           *float64
	Conductivity *float64
	Density      *float64

	// Extra retains unmapped channels under their original names.
	Extra map[string]float64

	// Flag is the row quality flag, set by QC: "", "warning" or "error".
	Flag string
}

// Field returns a pointer to the named canonical field's value slot, or nil
// for unknown names. Callers mutate records through it (QC strict-mode
// nulling) and read through Value.
func (r *Record) Field(name string) **float64 {
	switch name {
	case FieldDepth:
		return &r.Depth
	case FieldLatitude:
		return &r.Latitude
	case FieldLongitude:
		return &r.Longitude
	case FieldTemperature:
		return &r.Temperature
	case FieldSalinity:
		return &r.Salinity
	case FieldOxygen:
		return &r.Oxygen
	case FieldFluorescence:
		return &r.Fluorescence
	case FieldPH:
		return &r.PH
	case FieldConductivity:
		return &r.Conductivity
	case FieldDensity:
		return &r.Density
	}
	return nil
}

// Value returns the named canonical field value and whether it is present.
func (r *Record) Value(name string) (float64, bool) {
	slot := r.Field(name)
	if slot == nil || *slot == nil {
		return 0, false
	}
	return **slot, true
}

// CanonicalFields lists every canonical numeric field in stable order.
func CanonicalFields() []string {
	return []string{
		FieldDepth, FieldLatitude, FieldLongitude,
		FieldTemperature, FieldSalinity, FieldOxygen,
		FieldFluorescence, FieldPH, FieldConductivity, FieldDensity,
	}
}
