//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TiagoJoseMS/script-manager/internal/scripts"
)

// hostNodeID identifies the script host in the HA device registry.
const hostNodeID = "script_manager"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/button/script_manager/night_lights/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	SWVersion   string   `json:"sw_version,omitempty"`
	Name        string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Device            haDevice `json:"device"`
}

// scriptObjectID returns the discovery object id for a script file name.
func scriptObjectID(name string) string {
	return topicSafe(strings.TrimSuffix(name, filepath.Ext(name)))
}

// topicSafe lowercases s and keeps only characters safe in MQTT topics.
func topicSafe(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

func hostDevice(version string) haDevice {
	return haDevice{
		Identifiers: []string{hostNodeID},
		Model:       "Lua script host",
		SWVersion:   version,
		Name:        "Script Manager",
	}
}

// buildDiscovery generates one button per script plus the host's
// monitoring sensor. Pressing a button publishes the script name on the run
// topic.
func buildDiscovery(list []scripts.Descriptor, prefix, discoveryPrefix, version string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	dev := hostDevice(version)

	msgs := make([]discoveryMsg, 0, len(list)+1)
	msgs = append(msgs, buildMonitoringSensor(prefix, discoveryPrefix, avail, dev))
	for _, d := range list {
		msgs = append(msgs, buildButton(d, prefix, discoveryPrefix, avail, dev))
	}
	return msgs
}

func buildButton(d scripts.Descriptor, prefix, discoveryPrefix, avail string, dev haDevice) discoveryMsg {
	objectID := scriptObjectID(d.Name)
	topic := fmt.Sprintf("%s/button/%s/%s/config", discoveryPrefix, hostNodeID, objectID)
	payload := haDiscovery{
		Name:              d.Title,
		UniqueID:          hostNodeID + "_" + objectID,
		CommandTopic:      runTopic(prefix),
		PayloadPress:      d.Name,
		AvailabilityTopic: avail,
		Icon:              "mdi:script-text-play",
		Device:            dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildMonitoringSensor(prefix, discoveryPrefix, avail string, dev haDevice) discoveryMsg {
	topic := fmt.Sprintf("%s/sensor/%s/monitoring/config", discoveryPrefix, hostNodeID)
	payload := haDiscovery{
		Name:              "Folder monitoring",
		UniqueID:          hostNodeID + "_monitoring",
		StateTopic:        monitoringTopic(prefix),
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.monitoring }}",
		Icon:              "mdi:folder-eye",
		EntityCategory:    "diagnostic",
		Device:            dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove the
// buttons of scripts no longer present.
func buildRemoveDiscovery(names []string, discoveryPrefix string) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(names))
	for _, name := range names {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/button/%s/%s/config", discoveryPrefix, hostNodeID, scriptObjectID(name)),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
