package rig

import (
	"fmt"
	"strings"
)

// Orientation is an absolute rig pose in degrees.
type Orientation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Get returns the angle of one axis.
func (o Orientation) Get(a AxisIndex) float64 {
	switch a {
	case Roll:
		return o.Roll
	case Pitch:
		return o.Pitch
	default:
		return o.Yaw
	}
}

// Moves lists the moves that reach o, roll first.
func (o Orientation) Moves() []AxisMove {
	return []AxisMove{{Roll, o.Roll}, {Pitch, o.Pitch}, {Yaw, o.Yaw}}
}

// AxisMove is one absolute move of one axis.
type AxisMove struct {
	Axis  AxisIndex `json:"axis"`
	Angle float64   `json:"angle"`
}

// SearchAxis is a rig axis searched around a rough home, between A and B.
type SearchAxis struct {
	Axis AxisIndex `json:"axis"`
	A    float64   `json:"a"`
	B    float64   `json:"b"`
}

// RoughHome is one of the six orientations that point a sensor axis
// roughly along gravity.
type RoughHome struct {
	Name string `json:"name"`
	// SensorAxis is the sensor axis aligned with gravity: "x", "y" or "z".
	SensorAxis string `json:"sensor_axis"`
	// Target is the full pose of the home.
	Target Orientation `json:"target"`
	// Approach is the minimal move set from the previous home in Order.
	Approach []AxisMove `json:"approach"`
	// Searches are the two axes refined by golden-section search.
	Searches [2]SearchAxis `json:"searches"`
}

// SeeksMinimum reports whether the searches look for a minimum of the
// sensor axis, as they do when gravity points along its negative direction.
func (h RoughHome) SeeksMinimum() bool { return strings.HasPrefix(h.Name, "-") }

func (h RoughHome) String() string { return h.Name }

// Order is the fixed visiting order. It keeps the sensor cable from winding
// up and must not be rearranged.
var Order = []string{"+x", "-z", "+y", "-x", "-y", "+z"}

// ParkHome is where every run ends.
const ParkHome = "+x"

var homes = map[string]RoughHome{
	"+x": {
		Name: "+x", SensorAxis: "x",
		Target:   Orientation{0, 0, 0},
		Approach: []AxisMove{{Pitch, 0}},
		Searches: [2]SearchAxis{{Pitch, -10, 10}, {Roll, -10, 10}},
	},
	"-z": {
		Name: "-z", SensorAxis: "z",
		Target:   Orientation{0, 80, 0},
		Approach: []AxisMove{{Pitch, 80}},
		Searches: [2]SearchAxis{{Pitch, 70, 90}, {Yaw, -10, 10}},
	},
	"+y": {
		Name: "+y", SensorAxis: "y",
		Target:   Orientation{0, 80, -90},
		Approach: []AxisMove{{Yaw, -90}},
		Searches: [2]SearchAxis{{Pitch, 70, 90}, {Yaw, -80, -100}},
	},
	"-x": {
		Name: "-x", SensorAxis: "x",
		Target:   Orientation{0, 170, 0},
		Approach: []AxisMove{{Pitch, 170}},
		Searches: [2]SearchAxis{{Pitch, 160, 172}, {Roll, -10, 10}},
	},
	"-y": {
		Name: "-y", SensorAxis: "y",
		Target:   Orientation{0, -100, -90},
		Approach: []AxisMove{{Pitch, -100}, {Yaw, -90}},
		Searches: [2]SearchAxis{{Pitch, -90, -110}, {Roll, -10, 10}},
	},
	"+z": {
		Name: "+z", SensorAxis: "z",
		Target:   Orientation{0, -100, 0},
		Approach: []AxisMove{{Yaw, 0}},
		Searches: [2]SearchAxis{{Pitch, -90, -110}, {Roll, -10, 10}},
	},
}

// Lookup returns the rough home with the given name.
func Lookup(name string) (RoughHome, error) {
	h, ok := homes[name]
	if !ok {
		return RoughHome{}, fmt.Errorf("unknown rough home %q (want one of %s)", name, strings.Join(Order, ", "))
	}
	return h, nil
}

// Sequence returns the homes in visiting order, starting at start.
// An empty start begins at the first home.
func Sequence(start string) ([]RoughHome, error) {
	from := 0
	if start != "" {
		from = -1
		for i, name := range Order {
			if name == start {
				from = i
			}
		}
		if from < 0 {
			return nil, fmt.Errorf("unknown rough home %q (want one of %s)", start, strings.Join(Order, ", "))
		}
	}
	seq := make([]RoughHome, 0, len(Order)-from)
	for _, name := range Order[from:] {
		seq = append(seq, homes[name])
	}
	return seq, nil
}
