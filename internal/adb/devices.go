package adb

import (
	"context"
	"strings"
)

// Device is one entry of host:devices or host:track-devices
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
	// Attributes holds the key:value pairs of the long listing (product, model, transport_id)
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Online reports whether the device accepts commands
func (d Device) Online() bool { return d.State == "device" }

// parseDevices reads a device listing. Both "serial\tstate" and the
// space-separated long format are accepted.
func parseDevices(payload string) []Device {
	var out []Device
	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{Serial: fields[0], State: fields[1]}
		for _, kv := range fields[2:] {
			k, v, ok := strings.Cut(kv, ":")
			if !ok {
				continue
			}
			if d.Attributes == nil {
				d.Attributes = make(map[string]string)
			}
			d.Attributes[k] = v
		}
		out = append(out, d)
	}
	return out
}

// DeviceTracker delivers the full device list every time it changes
type DeviceTracker struct {
	stream *Stream
	buf    []byte
}

// Next blocks until the server reports the next device list
func (t *DeviceTracker) Next(ctx context.Context) ([]Device, error) {
	for {
		frame, rest, ok, err := parseHexFrame(t.buf)
		if err != nil {
			_ = t.stream.Close()
			return nil, err
		}
		if ok {
			t.buf = rest
			return parseDevices(string(frame)), nil
		}
		chunk, err := t.stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		t.buf = append(t.buf, chunk...)
	}
}

func (t *DeviceTracker) Close() error {
	return t.stream.Close()
}
