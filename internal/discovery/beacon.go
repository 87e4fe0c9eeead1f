package discovery

import (
	"encoding/json"
	"fmt"

	apperrors "lanshare/internal/errors"
)

const (
	beaconApp     = "lanshare"
	beaconVersion = 1
	// maxBeaconSize bounds one datagram; anything longer is not ours.
	maxBeaconSize = 1024
)

// Beacon is the periodic announcement. App and Version let the listener
// tell our packets from anything else arriving on the port.
type Beacon struct {
	App     string `json:"app"`
	Version int    `json:"v"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Port    int    `json:"port"`
}

func newBeacon(id, name string, port int) Beacon {
	return Beacon{App: beaconApp, Version: beaconVersion, ID: id, Name: name, Port: port}
}

func (b Beacon) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// ParseBeacon decodes and validates one datagram. Every failure is a
// discovery error; callers drop the packet.
func ParseBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if len(data) > maxBeaconSize {
		return b, apperrors.Discovery("beacon", fmt.Sprintf("%d byte datagram", len(data)), nil)
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, apperrors.Discovery("beacon", "undecodable datagram", err)
	}
	switch {
	case b.App != beaconApp:
		return b, apperrors.Discovery("beacon", fmt.Sprintf("foreign app %q", b.App), nil)
	case b.Version != beaconVersion:
		return b, apperrors.Discovery("beacon", fmt.Sprintf("unsupported version %d", b.Version), nil)
	case b.ID == "" || b.Name == "":
		return b, apperrors.Discovery("beacon", "missing id or name", nil)
	case b.Port < 1 || b.Port > 65535:
		return b, apperrors.Discovery("beacon", fmt.Sprintf("port %d out of range", b.Port), nil)
	}
	return b, nil
}
