// Package tick contains the periodic loop machinery: a dispatcher that runs
// registered game work and broadcasts tick announcements, and a scheduler
// that drives one loop per tick kind.
package tick

// Kind enumerates the categories of periodic work. The numeric values are
// part of the wire protocol (encoded as a signed 32 bit integer in the tick
// announcement) and must not be reordered.
type Kind int32

const (
	Movement Kind = iota
	Messaging
	ObjectSpawning
	ObjectCleanup
	Combat
	WorldSimulation
	AutoSave
)

var kindNames = map[Kind]string{
	Movement:        "Movement",
	Messaging:       "Messaging",
	ObjectSpawning:  "ObjectSpawning",
	ObjectCleanup:   "ObjectCleanup",
	Combat:          "Combat",
	WorldSimulation: "WorldSimulation",
	AutoSave:        "AutoSave",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}
