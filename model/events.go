package model

import "time"

// ClientEventType is the kind of a client originated edge event.
type ClientEventType string

// Client originated event kinds.
const (
	ClientInitConnection      = ClientEventType("EVENT_INIT_CONNECTION")
	ClientTerminateConnection = ClientEventType("EVENT_TERMINATE_CONNECTION")
	ClientLatencySamples      = ClientEventType("EVENT_LATENCY_SAMPLES")
	ClientLocationUpdate      = ClientEventType("EVENT_LOCATION_UPDATE")
	ClientCustomEvent         = ClientEventType("EVENT_CUSTOM_EVENT")
)

// ServerEventType is the kind of a server pushed edge event.
type ServerEventType string

// Server originated event kinds.
const (
	ServerInitConnection      = ServerEventType("EVENT_INIT_CONNECTION")
	ServerLatencyRequest      = ServerEventType("EVENT_LATENCY_REQUEST")
	ServerLatencyProcessed    = ServerEventType("EVENT_LATENCY_PROCESSED")
	ServerCloudletState       = ServerEventType("EVENT_CLOUDLET_STATE")
	ServerCloudletMaintenance = ServerEventType("EVENT_CLOUDLET_MAINTENANCE")
	ServerAppInstHealth       = ServerEventType("EVENT_APPINST_HEALTH")
	ServerCloudletUpdate      = ServerEventType("EVENT_CLOUDLET_UPDATE")
	ServerError               = ServerEventType("EVENT_ERROR")
)

// CloudletState is the operational state of a cloudlet.
type CloudletState string

// Cloudlet states.
const (
	CloudletStateUnknown = CloudletState("CLOUDLET_STATE_UNKNOWN")
	CloudletStateReady   = CloudletState("CLOUDLET_STATE_READY")
	CloudletStateErrors  = CloudletState("CLOUDLET_STATE_ERRORS")
	CloudletStateOffline = CloudletState("CLOUDLET_STATE_OFFLINE")
	CloudletStateInit    = CloudletState("CLOUDLET_STATE_INIT")
)

// MaintenanceState is the maintenance state of a cloudlet.
type MaintenanceState string

// Maintenance states.
const (
	MaintenanceNormal            = MaintenanceState("NORMAL_OPERATION")
	MaintenanceStartRequested    = MaintenanceState("MAINTENANCE_START")
	MaintenanceUnderMaintenance  = MaintenanceState("UNDER_MAINTENANCE")
	MaintenanceFailoverRequested = MaintenanceState("FAILOVER_REQUESTED")
)

// HealthCheck is the health of an application instance.
type HealthCheck string

// Health check states.
const (
	HealthCheckUnknown           = HealthCheck("HEALTH_CHECK_UNKNOWN")
	HealthCheckOK                = HealthCheck("HEALTH_CHECK_OK")
	HealthCheckFailRootlbOffline = HealthCheck("HEALTH_CHECK_FAIL_ROOTLB_OFFLINE")
	HealthCheckFailServerFail    = HealthCheck("HEALTH_CHECK_FAIL_SERVER_FAIL")
	HealthCheckCloudletOffline   = HealthCheck("HEALTH_CHECK_CLOUDLET_OFFLINE")
)

// Sample is a single latency sample in milliseconds.
type Sample struct {
	Value     float64    `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Statistics summarises a set of latency samples, in milliseconds.
type Statistics struct {
	Avg        float64    `json:"avg"`
	Min        float64    `json:"min"`
	Max        float64    `json:"max"`
	StdDev     float64    `json:"std_dev"`
	Variance   float64    `json:"variance"`
	NumSamples uint64     `json:"num_samples"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// DeviceInfo describes the device running the client.
type DeviceInfo struct {
	DataNetworkType string `json:"data_network_type,omitempty"`
	DeviceOS        string `json:"device_os,omitempty"`
	DeviceModel     string `json:"device_model,omitempty"`
	SignalStrength  uint64 `json:"signal_strength,omitempty"`
}

// ClientEdgeEvent is a message sent by the client on the edge events stream.
type ClientEdgeEvent struct {
	EventType        ClientEventType   `json:"event_type"`
	SessionCookie    string            `json:"session_cookie,omitempty"`
	EdgeEventsCookie string            `json:"edge_events_cookie,omitempty"`
	GpsLocation      *Location         `json:"gps_location,omitempty"`
	Samples          []Sample          `json:"samples,omitempty"`
	DeviceInfo       *DeviceInfo       `json:"device_info,omitempty"`
	CustomEvent      string            `json:"custom_event,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// ServerEdgeEvent is a message pushed by the server on the edge events stream.
type ServerEdgeEvent struct {
	EventType        ServerEventType    `json:"event_type"`
	CloudletState    CloudletState      `json:"cloudlet_state,omitempty"`
	MaintenanceState MaintenanceState   `json:"maintenance_state,omitempty"`
	HealthCheck      HealthCheck        `json:"health_check,omitempty"`
	Statistics       *Statistics        `json:"statistics,omitempty"`
	NewCloudlet      *FindCloudletReply `json:"new_cloudlet,omitempty"`
	ErrorMsg         string             `json:"error_msg,omitempty"`
	Tags             map[string]string  `json:"tags,omitempty"`
}

// FindCloudletEventTrigger is the reason a new cloudlet was looked for.
type FindCloudletEventTrigger string

// Triggers of a FindCloudlet re-discovery.
const (
	TriggerError                           = FindCloudletEventTrigger("Error")
	TriggerCloserCloudlet                  = FindCloudletEventTrigger("CloserCloudlet")
	TriggerCloudletStateChanged            = FindCloudletEventTrigger("CloudletStateChanged")
	TriggerAppInstHealthChanged            = FindCloudletEventTrigger("AppInstHealthChanged")
	TriggerCloudletMaintenanceStateChanged = FindCloudletEventTrigger("CloudletMaintenanceStateChanged")
	TriggerLatencyTooHigh                  = FindCloudletEventTrigger("LatencyTooHigh")
)

// Triggers lists every known trigger.
var Triggers = []FindCloudletEventTrigger{
	TriggerError,
	TriggerCloserCloudlet,
	TriggerCloudletStateChanged,
	TriggerAppInstHealthChanged,
	TriggerCloudletMaintenanceStateChanged,
	TriggerLatencyTooHigh,
}

// Valid tells whether t is a known trigger.
func (t FindCloudletEventTrigger) Valid() bool {
	for _, k := range Triggers {
		if k == t {
			return true
		}
	}
	return false
}
