// Package protect keeps an in-memory, strongly-typed mirror of every
// device, user, and event a Protect NVR knows about, updated in
// near-real-time from the NVR's binary push channel, and turns local
// device mutations into coalesced PATCH write-backs.
package protect

import "strings"

// ModelType identifies the kind of a mirrored entity.
type ModelType string

const (
	ModelCamera   ModelType = "camera"
	ModelLight    ModelType = "light"
	ModelSensor   ModelType = "sensor"
	ModelDoorlock ModelType = "doorlock"
	ModelChime    ModelType = "chime"
	ModelBridge   ModelType = "bridge"
	ModelViewer   ModelType = "viewer"
	ModelLiveview ModelType = "liveview"
	ModelUser     ModelType = "user"
	ModelGroup    ModelType = "group"
	ModelNVR      ModelType = "nvr"
	ModelEvent    ModelType = "event"
)

// knownModels is the set of model types the reconciler understands.
// Packets for anything else are logged and dropped.
var knownModels = map[ModelType]bool{
	ModelCamera: true, ModelLight: true, ModelSensor: true,
	ModelDoorlock: true, ModelChime: true, ModelBridge: true,
	ModelViewer: true, ModelLiveview: true, ModelUser: true,
	ModelGroup: true, ModelNVR: true, ModelEvent: true,
}

// ParseModelType validates a model type name, typically from
// configuration.
func ParseModelType(s string) (ModelType, error) {
	mt := ModelType(strings.ToLower(strings.TrimSpace(s)))
	if !knownModels[mt] {
		return "", &ValidationError{Err: errUnknownModel(mt)}
	}

	return mt, nil
}

// modelPlural maps a model type to its REST collection segment.
var modelPlural = map[ModelType]string{
	ModelCamera:   "cameras",
	ModelLight:    "lights",
	ModelSensor:   "sensors",
	ModelDoorlock: "doorlocks",
	ModelChime:    "chimes",
	ModelBridge:   "bridges",
	ModelViewer:   "viewers",
	ModelLiveview: "liveviews",
	ModelUser:     "users",
	ModelGroup:    "groups",
	ModelEvent:    "events",
}

// Entity is any mirrored remote object.
type Entity interface {
	EntityID() string
	Model() ModelType

	// MAC returns the declared hardware address, or "" for entities
	// without one (users, groups, liveviews, events).
	MAC() string

	// Clone returns a deep copy, including locally-maintained event
	// correlation pointers that are not part of the wire format.
	Clone() Entity
}

// NormalizeMAC canonicalizes a MAC address for macLookup keys: lower
// case, separators stripped.
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(mac)
	mac = strings.ReplaceAll(mac, ":", "")

	return strings.ReplaceAll(mac, "-", "")
}

// Device holds the fields common to every adoptable hardware device.
type Device struct {
	ID               string `json:"id"`
	ModelKey         string `json:"modelKey,omitempty"`
	Mac              string `json:"mac,omitempty"`
	Host             string `json:"host,omitempty"`
	ConnectionHost   string `json:"connectionHost,omitempty"`
	Type             string `json:"type,omitempty"`
	Name             string `json:"name,omitempty"`
	State            string `json:"state,omitempty"`
	IsAdopted        bool   `json:"isAdopted"`
	IsAdoptedByOther bool   `json:"isAdoptedByOther,omitempty"`
	FirmwareVersion  string `json:"firmwareVersion,omitempty"`
	LastSeen         *int64 `json:"lastSeen,omitempty"`
	UpSince          *int64 `json:"upSince,omitempty"`
	Uptime           *int64 `json:"uptime,omitempty"`

	// Telemetry blobs the server refreshes about once per second. Kept
	// opaque; the stats ignore set suppresses their churn by default.
	Stats               rawJSON `json:"stats,omitempty"`
	WifiConnectionState rawJSON `json:"wifiConnectionState,omitempty"`
}

func (d *Device) EntityID() string { return d.ID }
func (d *Device) MAC() string      { return d.Mac }

// Adopted reports whether this controller owns the device.
func (d *Device) Adopted() bool { return d.IsAdopted && !d.IsAdoptedByOther }

// LEDSettings controls a camera's status LED.
type LEDSettings struct {
	IsEnabled bool `json:"isEnabled"`
}

// SpeakerSettings controls a camera's speaker.
type SpeakerSettings struct {
	IsEnabled              bool `json:"isEnabled"`
	Volume                 int  `json:"volume"`
	AreSystemSoundsEnabled bool `json:"areSystemSoundsEnabled,omitempty"`
}

// RecordingSettings controls when a camera records.
type RecordingSettings struct {
	Mode                  string `json:"mode"`
	PrePaddingSecs        int    `json:"prePaddingSecs,omitempty"`
	PostPaddingSecs       int    `json:"postPaddingSecs,omitempty"`
	MinMotionEventTrigger int    `json:"minMotionEventTrigger,omitempty"`
	EnableMotionDetection *bool  `json:"enableMotionDetection,omitempty"`
}

// SmartDetectSettings selects which smart detection object types run.
type SmartDetectSettings struct {
	ObjectTypes []string `json:"objectTypes"`
	AudioTypes  []string `json:"audioTypes,omitempty"`
}

// CameraFeatureFlags advertises hardware capabilities.
type CameraFeatureFlags struct {
	HasChime         bool     `json:"hasChime,omitempty"`
	HasLedStatus     bool     `json:"hasLedStatus,omitempty"`
	HasSpeaker       bool     `json:"hasSpeaker,omitempty"`
	HasSmartDetect   bool     `json:"hasSmartDetect,omitempty"`
	SmartDetectTypes []string `json:"smartDetectTypes,omitempty"`
}

// Camera is a mirrored camera or doorbell.
type Camera struct {
	Device

	IsDark           bool   `json:"isDark,omitempty"`
	IsMotionDetected bool   `json:"isMotionDetected,omitempty"`
	IsSmartDetected  bool   `json:"isSmartDetected,omitempty"`
	IsMicEnabled     bool   `json:"isMicEnabled,omitempty"`
	MicVolume        int    `json:"micVolume,omitempty"`
	ChimeDuration    int    `json:"chimeDuration,omitempty"`
	VideoMode        string `json:"videoMode,omitempty"`
	HdrMode          bool   `json:"hdrMode,omitempty"`

	// Derived from correlated events, not from push updates; the push
	// copies of these fields are in the camera ignore set.
	LastMotion *int64 `json:"lastMotion,omitempty"`
	LastRing   *int64 `json:"lastRing,omitempty"`

	LedSettings         LEDSettings         `json:"ledSettings,omitempty"`
	SpeakerSettings     SpeakerSettings     `json:"speakerSettings,omitempty"`
	RecordingSettings   RecordingSettings   `json:"recordingSettings,omitempty"`
	SmartDetectSettings SmartDetectSettings `json:"smartDetectSettings,omitempty"`
	FeatureFlags        CameraFeatureFlags  `json:"featureFlags,omitempty"`

	// Weak reference to a paired chime.
	ChimeID string `json:"chimeId,omitempty"`

	// Event correlation pointers, maintained locally.
	LastMotionEventID       string            `json:"-"`
	LastRingEventID         string            `json:"-"`
	LastSmartDetectEventID  string            `json:"-"`
	LastSmartDetect         *int64            `json:"-"`
	LastSmartDetectEventIDs map[string]string `json:"-"`
	LastSmartDetects        map[string]int64  `json:"-"`
}

func (c *Camera) Model() ModelType { return ModelCamera }

func (c *Camera) Clone() Entity {
	out := *c
	out.Device = cloneDevice(c.Device)
	out.LastMotion = cloneInt64(c.LastMotion)
	out.LastRing = cloneInt64(c.LastRing)
	out.LastSmartDetect = cloneInt64(c.LastSmartDetect)
	out.SmartDetectSettings.ObjectTypes = cloneStrings(c.SmartDetectSettings.ObjectTypes)
	out.SmartDetectSettings.AudioTypes = cloneStrings(c.SmartDetectSettings.AudioTypes)
	out.FeatureFlags.SmartDetectTypes = cloneStrings(c.FeatureFlags.SmartDetectTypes)
	out.RecordingSettings.EnableMotionDetection = cloneBool(c.RecordingSettings.EnableMotionDetection)
	out.LastSmartDetectEventIDs = cloneStringMap(c.LastSmartDetectEventIDs)
	out.LastSmartDetects = cloneInt64Map(c.LastSmartDetects)

	return &out
}

// LightDeviceSettings controls a floodlight's hardware behavior.
type LightDeviceSettings struct {
	IsIndicatorEnabled bool   `json:"isIndicatorEnabled"`
	LedLevel           int    `json:"ledLevel,omitempty"`
	LuxSensitivity     string `json:"luxSensitivity,omitempty"`
	PirDuration        int    `json:"pirDuration,omitempty"`
	PirSensitivity     int    `json:"pirSensitivity,omitempty"`
}

// LightModeSettings controls when a floodlight turns on.
type LightModeSettings struct {
	Mode     string `json:"mode"`
	EnableAt string `json:"enableAt,omitempty"`
}

// Light is a mirrored floodlight.
type Light struct {
	Device

	IsLightOn           bool   `json:"isLightOn,omitempty"`
	IsPirMotionDetected bool   `json:"isPirMotionDetected,omitempty"`
	LastMotion          *int64 `json:"lastMotion,omitempty"`

	LightDeviceSettings LightDeviceSettings `json:"lightDeviceSettings,omitempty"`
	LightModeSettings   LightModeSettings   `json:"lightModeSettings,omitempty"`

	// Weak reference to the paired camera.
	CameraID string `json:"camera,omitempty"`

	LastMotionEventID string `json:"-"`
}

func (l *Light) Model() ModelType { return ModelLight }

func (l *Light) Clone() Entity {
	out := *l
	out.Device = cloneDevice(l.Device)
	out.LastMotion = cloneInt64(l.LastMotion)

	return &out
}

// BatteryStatus reports battery level for battery-powered devices.
type BatteryStatus struct {
	Percentage *int `json:"percentage,omitempty"`
	IsLow      bool `json:"isLow,omitempty"`
}

// SensorSettingsToggle enables or disables one sensor capability.
type SensorSettingsToggle struct {
	IsEnabled bool `json:"isEnabled"`
}

// SensorMotionSettings configures the motion capability.
type SensorMotionSettings struct {
	IsEnabled   bool `json:"isEnabled"`
	Sensitivity int  `json:"sensitivity,omitempty"`
}

// Sensor is a mirrored contact/environment sensor.
type Sensor struct {
	Device

	IsOpened         bool   `json:"isOpened,omitempty"`
	IsMotionDetected bool   `json:"isMotionDetected,omitempty"`
	MountType        string `json:"mountType,omitempty"`

	OpenStatusChangedAt *int64 `json:"openStatusChangedAt,omitempty"`
	MotionDetectedAt    *int64 `json:"motionDetectedAt,omitempty"`
	AlarmTriggeredAt    *int64 `json:"alarmTriggeredAt,omitempty"`

	BatteryStatus  BatteryStatus        `json:"batteryStatus,omitempty"`
	AlarmSettings  SensorSettingsToggle `json:"alarmSettings,omitempty"`
	MotionSettings SensorMotionSettings `json:"motionSettings,omitempty"`
	LightSettings  SensorSettingsToggle `json:"lightSettings,omitempty"`

	// Weak reference to the paired camera.
	CameraID string `json:"camera,omitempty"`

	LastMotionEventID  string `json:"-"`
	LastContactEventID string `json:"-"`
	LastAlarmEventID   string `json:"-"`
}

func (s *Sensor) Model() ModelType { return ModelSensor }

func (s *Sensor) Clone() Entity {
	out := *s
	out.Device = cloneDevice(s.Device)
	out.OpenStatusChangedAt = cloneInt64(s.OpenStatusChangedAt)
	out.MotionDetectedAt = cloneInt64(s.MotionDetectedAt)
	out.AlarmTriggeredAt = cloneInt64(s.AlarmTriggeredAt)
	out.BatteryStatus.Percentage = cloneInt(s.BatteryStatus.Percentage)

	return &out
}

// Doorlock is a mirrored smart lock.
type Doorlock struct {
	Device

	LockStatus      string        `json:"lockStatus,omitempty"`
	AutoCloseTimeMs int           `json:"autoCloseTimeMs,omitempty"`
	BatteryStatus   BatteryStatus `json:"batteryStatus,omitempty"`

	// Weak reference to the paired camera.
	CameraID string `json:"camera,omitempty"`
}

func (d *Doorlock) Model() ModelType { return ModelDoorlock }

func (d *Doorlock) Clone() Entity {
	out := *d
	out.Device = cloneDevice(d.Device)
	out.BatteryStatus.Percentage = cloneInt(d.BatteryStatus.Percentage)

	return &out
}

// Chime is a mirrored doorbell chime.
type Chime struct {
	Device

	Volume           int    `json:"volume,omitempty"`
	IsProbingForWifi bool   `json:"isProbingForWifi,omitempty"`
	LastRing         *int64 `json:"lastRing,omitempty"`

	// Weak references to the cameras this chime rings for. Refreshed
	// wholesale on full resync, so push updates to it are ignored.
	CameraIDs []string `json:"cameraIds,omitempty"`
}

func (c *Chime) Model() ModelType { return ModelChime }

func (c *Chime) Clone() Entity {
	out := *c
	out.Device = cloneDevice(c.Device)
	out.LastRing = cloneInt64(c.LastRing)
	out.CameraIDs = cloneStrings(c.CameraIDs)

	return &out
}

// Bridge is a mirrored protocol bridge.
type Bridge struct {
	Device
}

func (b *Bridge) Model() ModelType { return ModelBridge }

func (b *Bridge) Clone() Entity {
	out := *b
	out.Device = cloneDevice(b.Device)

	return &out
}

// Viewer is a mirrored viewport device.
type Viewer struct {
	Device

	Liveview        string `json:"liveview,omitempty"`
	SoftwareVersion string `json:"softwareVersion,omitempty"`
}

func (v *Viewer) Model() ModelType { return ModelViewer }

func (v *Viewer) Clone() Entity {
	out := *v
	out.Device = cloneDevice(v.Device)

	return &out
}

// LiveviewSlot is one pane layout in a liveview.
type LiveviewSlot struct {
	Cameras       []string `json:"cameras"`
	CycleMode     string   `json:"cycleMode,omitempty"`
	CycleInterval int      `json:"cycleInterval,omitempty"`
}

// Liveview is a mirrored multi-camera view definition.
type Liveview struct {
	ID        string         `json:"id"`
	ModelKey  string         `json:"modelKey,omitempty"`
	Name      string         `json:"name,omitempty"`
	IsDefault bool           `json:"isDefault,omitempty"`
	IsGlobal  bool           `json:"isGlobal,omitempty"`
	Layout    int            `json:"layout,omitempty"`
	Slots     []LiveviewSlot `json:"slots,omitempty"`
	Owner     string         `json:"owner,omitempty"`
}

func (l *Liveview) EntityID() string { return l.ID }
func (l *Liveview) Model() ModelType { return ModelLiveview }
func (l *Liveview) MAC() string      { return "" }

func (l *Liveview) Clone() Entity {
	out := *l
	out.Slots = make([]LiveviewSlot, len(l.Slots))

	for i, s := range l.Slots {
		out.Slots[i] = s
		out.Slots[i].Cameras = cloneStrings(s.Cameras)
	}

	return &out
}

// User is a mirrored controller account. Permissions are raw
// "<model>:<actions>:<scope>" strings as the controller stores them.
type User struct {
	ID             string   `json:"id"`
	ModelKey       string   `json:"modelKey,omitempty"`
	Name           string   `json:"name,omitempty"`
	FirstName      string   `json:"firstName,omitempty"`
	LastName       string   `json:"lastName,omitempty"`
	Email          string   `json:"email,omitempty"`
	LocalUsername  string   `json:"localUsername,omitempty"`
	AllPermissions []string `json:"allPermissions,omitempty"`
	Groups         []string `json:"groups,omitempty"`
	LastLoginIP    string   `json:"lastLoginIp,omitempty"`
	LastLoginTime  *int64   `json:"lastLoginTime,omitempty"`
}

func (u *User) EntityID() string { return u.ID }
func (u *User) Model() ModelType { return ModelUser }
func (u *User) MAC() string      { return "" }

func (u *User) Clone() Entity {
	out := *u
	out.AllPermissions = cloneStrings(u.AllPermissions)
	out.Groups = cloneStrings(u.Groups)
	out.LastLoginTime = cloneInt64(u.LastLoginTime)

	return &out
}

// CanWrite reports whether the user may write entities of the given
// model type. A permission grants write when its model segment matches
// and its action list contains "write" or "*".
func (u *User) CanWrite(model ModelType) bool {
	for _, p := range u.AllPermissions {
		parts := strings.Split(p, ":")
		if len(parts) < 2 {
			continue
		}

		if parts[0] != string(model) && parts[0] != "*" {
			continue
		}

		for _, action := range strings.Split(parts[1], ",") {
			if action == "write" || action == "*" {
				return true
			}
		}
	}

	return false
}

// Group is a mirrored permission group.
type Group struct {
	ID          string   `json:"id"`
	ModelKey    string   `json:"modelKey,omitempty"`
	Name        string   `json:"name,omitempty"`
	Type        string   `json:"type,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (g *Group) EntityID() string { return g.ID }
func (g *Group) Model() ModelType { return ModelGroup }
func (g *Group) MAC() string      { return "" }

func (g *Group) Clone() Entity {
	out := *g
	out.Permissions = cloneStrings(g.Permissions)

	return &out
}

// DoorbellMessage is one configured doorbell display message.
type DoorbellMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DoorbellSettings holds the NVR-wide doorbell display configuration.
// The controller does not echo changes to these fields over the push
// channel, so the write-back path synthesizes a local echo for them.
type DoorbellSettings struct {
	DefaultMessageText           string            `json:"defaultMessageText,omitempty"`
	DefaultMessageResetTimeoutMs int               `json:"defaultMessageResetTimeoutMs,omitempty"`
	AllMessages                  []DoorbellMessage `json:"allMessages,omitempty"`
	CustomMessages               []string          `json:"customMessages,omitempty"`
}

// NVR is the mirrored controller itself. Exactly one per replica.
type NVR struct {
	ID              string `json:"id"`
	ModelKey        string `json:"modelKey,omitempty"`
	Mac             string `json:"mac,omitempty"`
	Host            string `json:"host,omitempty"`
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	Uptime          *int64 `json:"uptime,omitempty"`
	LastSeen        *int64 `json:"lastSeen,omitempty"`
	UpSince         *int64 `json:"upSince,omitempty"`
	IsHardware      bool   `json:"isHardware,omitempty"`

	DoorbellSettings DoorbellSettings `json:"doorbellSettings,omitempty"`

	SystemInfo   rawJSON `json:"systemInfo,omitempty"`
	StorageStats rawJSON `json:"storageStats,omitempty"`
}

func (n *NVR) EntityID() string { return n.ID }
func (n *NVR) Model() ModelType { return ModelNVR }
func (n *NVR) MAC() string      { return n.Mac }

func (n *NVR) Clone() Entity {
	out := *n
	out.Uptime = cloneInt64(n.Uptime)
	out.LastSeen = cloneInt64(n.LastSeen)
	out.UpSince = cloneInt64(n.UpSince)
	out.DoorbellSettings.AllMessages = append([]DoorbellMessage(nil), n.DoorbellSettings.AllMessages...)
	out.DoorbellSettings.CustomMessages = cloneStrings(n.DoorbellSettings.CustomMessages)
	out.SystemInfo = append(rawJSON(nil), n.SystemInfo...)
	out.StorageStats = append(rawJSON(nil), n.StorageStats...)

	return &out
}

// Event kinds the correlator understands.
const (
	EventTypeMotion       = "motion"
	EventTypeRing         = "ring"
	EventTypeSmartDetect  = "smartDetectZone"
	EventTypeSensorMotion = "sensorMotion"
	EventTypeSensorOpened = "sensorOpened"
	EventTypeSensorClosed = "sensorClosed"
	EventTypeSensorAlarm  = "sensorAlarm"
	EventTypeLightMotion  = "lightMotion"
)

// Event is a mirrored event record.
type Event struct {
	ID                string   `json:"id"`
	ModelKey          string   `json:"modelKey,omitempty"`
	Type              string   `json:"type"`
	Start             *int64   `json:"start,omitempty"`
	End               *int64   `json:"end,omitempty"`
	Score             int      `json:"score,omitempty"`
	SmartDetectTypes  []string `json:"smartDetectTypes,omitempty"`
	SmartDetectEvents []string `json:"smartDetectEvents,omitempty"`
	Camera            string   `json:"camera,omitempty"`
	Sensor            string   `json:"sensor,omitempty"`
	Light             string   `json:"light,omitempty"`
	User              string   `json:"user,omitempty"`
	Metadata          rawJSON  `json:"metadata,omitempty"`
}

func (e *Event) EntityID() string { return e.ID }
func (e *Event) Model() ModelType { return ModelEvent }
func (e *Event) MAC() string      { return "" }

func (e *Event) Clone() Entity {
	out := *e
	out.Start = cloneInt64(e.Start)
	out.End = cloneInt64(e.End)
	out.SmartDetectTypes = cloneStrings(e.SmartDetectTypes)
	out.SmartDetectEvents = cloneStrings(e.SmartDetectEvents)
	out.Metadata = append(rawJSON(nil), e.Metadata...)

	return &out
}

// Ended reports whether the event has a recorded end time.
func (e *Event) Ended() bool { return e.End != nil }

// StartTime returns the start in epoch millis, 0 if absent.
func (e *Event) StartTime() int64 {
	if e.Start == nil {
		return 0
	}

	return *e.Start
}

// Bootstrap is the full-state document returned by GET /bootstrap.
type Bootstrap struct {
	AuthUserID   string      `json:"authUserId"`
	AccessKey    string      `json:"accessKey,omitempty"`
	LastUpdateID string      `json:"lastUpdateId"`
	NVR          *NVR        `json:"nvr"`
	Cameras      []*Camera   `json:"cameras"`
	Lights       []*Light    `json:"lights"`
	Sensors      []*Sensor   `json:"sensors"`
	Doorlocks    []*Doorlock `json:"doorlocks"`
	Chimes       []*Chime    `json:"chimes"`
	Bridges      []*Bridge   `json:"bridges"`
	Viewers      []*Viewer   `json:"viewers"`
	Liveviews    []*Liveview `json:"liveviews"`
	Users        []*User     `json:"users"`
	Groups       []*Group    `json:"groups"`
}

func cloneDevice(d Device) Device {
	d.LastSeen = cloneInt64(d.LastSeen)
	d.UpSince = cloneInt64(d.UpSince)
	d.Uptime = cloneInt64(d.Uptime)
	d.Stats = append(rawJSON(nil), d.Stats...)
	d.WifiConnectionState = append(rawJSON(nil), d.WifiConnectionState...)

	return d
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}

	return append([]string(nil), s...)
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}

	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
