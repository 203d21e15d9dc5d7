package packet

import "fmt"

// RateInfo is a sample rate and its anti-alias filter cutoff.
type RateInfo struct {
	Hz       float64
	CutoffHz float64
}

// GainInfo is an input-stage gain and the label of the selected input.
type GainInfo struct {
	Gain  float64
	Input string
}

// Unit is the engineering unit of the sample values.
type Unit string

const (
	UnitCounts Unit = "counts"
	UnitVolts  Unit = "volts"
	UnitG      Unit = "g"
)

// Adjustment reports whether the sensor applied temperature compensation.
type Adjustment string

const (
	AdjustmentNone        Adjustment = "no-compensation"
	AdjustmentTemperature Adjustment = "temperature-compensation"
)

// Rate codes index this table directly. Codes 4 and 8 are both 125 Hz but with
// different filter cutoffs; the hardware reports them separately so both rows stay.
var rateTable = [...]RateInfo{
	{7.8125, 3.2},   // 0
	{15.625, 6.3},   // 1
	{31.25, 12.7},   // 2
	{62.5, 25.3},    // 3
	{125.0, 50.6},   // 4
	{250.0, 101.4},  // 5
	{500.0, 204.2},  // 6
	{1000.0, 408.5}, // 7
	{125.0, 23.5},   // 8
}

var gainTable = map[int]GainInfo{
	0:  {1.0, "Ground"},
	1:  {2.5, "Ground"},
	2:  {8.5, "Ground"},
	3:  {34.0, "Ground"},
	4:  {128.0, "Ground"},
	8:  {1.0, "Test"},
	9:  {2.5, "Test"},
	10: {8.5, "Test"},
	11: {34.0, "Test"},
	12: {128.0, "Test"},
	16: {1.0, "Signal"},
	17: {2.5, "Signal"},
	18: {8.5, "Signal"},
	19: {34.0, "Signal"},
	20: {128.0, "Signal"},
	24: {1.0, "Vref"},
	25: {1.0, "Sensor test"},
	26: {2.0, "Sensor test"},
}

var unitTable = [...]Unit{UnitCounts, UnitVolts, UnitG}

// Fallbacks for codes missing from the tables. The gain fallback deliberately
// does not pick one of the 1.0-gain inputs.
var (
	DefaultRate = RateInfo{Hz: 1000.0, CutoffHz: 408.5}
	DefaultGain = GainInfo{Gain: 1.0, Input: "unknown"}
	DefaultUnit = UnitG
)

// Bitfields of packet_status.
const (
	rateMask  = 0x0f00
	rateShift = 8
	gainMask  = 0x001f
	unitMask  = 0x0060
	unitShift = 5
	adjMask   = 0x0080
	adjShift  = 7
)

// LookupRate maps a rate code to its table row. Unknown codes return
// DefaultRate with an error wrapping ErrMalformedField.
func LookupRate(code int) (RateInfo, error) {
	if code < 0 || code >= len(rateTable) {
		return DefaultRate, fmt.Errorf("%w: rate code %d", ErrMalformedField, code)
	}
	return rateTable[code], nil
}

// LookupGain maps a gain code to its table row. Unknown codes return
// DefaultGain with an error wrapping ErrMalformedField.
func LookupGain(code int) (GainInfo, error) {
	g, ok := gainTable[code]
	if !ok {
		return DefaultGain, fmt.Errorf("%w: gain code %d", ErrMalformedField, code)
	}
	return g, nil
}

// LookupUnit maps a unit code. Code 3 is unassigned and falls back to g.
func LookupUnit(code int) (Unit, error) {
	if code < 0 || code >= len(unitTable) {
		return DefaultUnit, fmt.Errorf("%w: unit code %d", ErrMalformedField, code)
	}
	return unitTable[code], nil
}

// LookupAdjustment maps the single adjustment bit.
func LookupAdjustment(bit int) Adjustment {
	if bit == 1 {
		return AdjustmentTemperature
	}
	return AdjustmentNone
}

// StatusCodes splits packet_status into its rate, gain, unit and adjustment codes.
func StatusCodes(status int32) (rate, gain, unit, adj int) {
	s := int(status)
	return (s & rateMask) >> rateShift, s & gainMask, (s & unitMask) >> unitShift, (s & adjMask) >> adjShift
}
