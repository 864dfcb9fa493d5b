package protect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type keySet map[string]struct{}

func newKeySet(keys ...string) keySet {
	s := make(keySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}

	return s
}

func (s keySet) has(k string) bool {
	_, ok := s[k]
	return ok
}

// baselineIgnoredKeys are device identity fields, not state. They never
// need reconciliation and are stripped from every update payload.
var baselineIgnoredKeys = newKeySet("id", "modelKey", "mac", "type")

// statsKeys are telemetry fields the controller refreshes on the order
// of once per second. Suppressed when the client is configured to
// ignore stats, to cut reconciliation churn.
var statsKeys = newKeySet(
	"stats",
	"storageStats",
	"systemInfo",
	"wifiConnectionState",
	"uptime",
	"upSince",
	"lastSeen",
)

// modelIgnoredKeys are per-model additions to the baseline ignore set.
// Camera and light motion timestamps are derived from correlated events
// instead; a chime's camera pairing list is refreshed wholesale on full
// resync.
var modelIgnoredKeys = map[ModelType]keySet{
	ModelCamera: newKeySet("lastMotion", "lastRing"),
	ModelLight:  newKeySet("lastMotion"),
	ModelChime:  newKeySet("cameraIds"),
}

// deviceReadOnly is the read-only field set shared by all hardware
// devices: identity, adoption, liveness, and telemetry.
var deviceReadOnly = []string{
	"id", "modelKey", "mac", "host", "connectionHost", "type", "state",
	"isAdopted", "isAdoptedByOther", "firmwareVersion",
	"lastSeen", "upSince", "uptime", "stats", "wifiConnectionState",
}

// readOnlyFields lists, per model type, the fields a local write must
// not change. A diff touching any of them is rejected and reverted.
var readOnlyFields = map[ModelType]keySet{
	ModelCamera: newKeySet(append(deviceReadOnly,
		"isDark", "isMotionDetected", "isSmartDetected",
		"lastMotion", "lastRing", "featureFlags")...),
	ModelLight: newKeySet(append(deviceReadOnly,
		"isPirMotionDetected", "isLightOn", "lastMotion")...),
	ModelSensor: newKeySet(append(deviceReadOnly,
		"isOpened", "isMotionDetected", "openStatusChangedAt",
		"motionDetectedAt", "alarmTriggeredAt", "batteryStatus")...),
	ModelDoorlock: newKeySet(append(deviceReadOnly, "batteryStatus")...),
	ModelChime:    newKeySet(append(deviceReadOnly, "lastRing", "isProbingForWifi")...),
	ModelBridge:   newKeySet(deviceReadOnly...),
	ModelViewer:   newKeySet(deviceReadOnly...),
	ModelLiveview: newKeySet("id", "modelKey", "owner", "isGlobal"),
	ModelUser: newKeySet("id", "modelKey", "allPermissions", "groups",
		"lastLoginIp", "lastLoginTime"),
	ModelNVR: newKeySet("id", "modelKey", "mac", "host", "version",
		"firmwareVersion", "uptime", "lastSeen", "upSince",
		"systemInfo", "storageStats", "isHardware"),
}

// localEchoFields lists, per model type, the writable fields the
// controller is known not to echo back over the push channel. After a
// successful PATCH touching one of them, the write-back path synthesizes
// a local push-equivalent message so subscribers still observe the
// change.
var localEchoFields = map[ModelType]keySet{
	ModelNVR: newKeySet("doorbellSettings"),
}

// Policy decides which update-payload keys are stripped before
// reconciliation. The built-in sets can be extended per model type from
// a YAML overrides file.
type Policy struct {
	// IgnoreStats additionally strips the statsKeys telemetry set.
	IgnoreStats bool

	extra map[ModelType]keySet
}

// IsIgnored reports whether key is stripped from update payloads for
// the given model type.
func (p *Policy) IsIgnored(model ModelType, key string) bool {
	if baselineIgnoredKeys.has(key) {
		return true
	}

	if p.IgnoreStats && statsKeys.has(key) {
		return true
	}

	if set, ok := modelIgnoredKeys[model]; ok && set.has(key) {
		return true
	}

	if set, ok := p.extra[model]; ok && set.has(key) {
		return true
	}

	return false
}

// IsStatsKey reports whether key belongs to the stats telemetry set.
func (p *Policy) IsStatsKey(key string) bool { return statsKeys.has(key) }

// policyOverrides is the YAML shape of the ignore-policy overrides file:
//
//	ignore:
//	  camera: [talkbackSettings]
//	  nvr: [locationSettings]
type policyOverrides struct {
	Ignore map[string][]string `yaml:"ignore"`
}

// LoadPolicyOverrides reads per-model ignored-key additions from a YAML
// file. Unknown model types in the file are rejected so a typo does not
// silently disable an override.
func (p *Policy) LoadPolicyOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading policy overrides: %w", err)
	}

	var overrides policyOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parsing policy overrides: %w", err)
	}

	extra := make(map[ModelType]keySet, len(overrides.Ignore))

	for model, keys := range overrides.Ignore {
		mt := ModelType(model)
		if !knownModels[mt] {
			return fmt.Errorf("policy overrides: unknown model type %q", model)
		}

		extra[mt] = newKeySet(keys...)
	}

	p.extra = extra

	return nil
}
