package model

// FindStatus is the outcome of a FindCloudlet request.
type FindStatus string

// FindCloudlet statuses.
const (
	FindUnknown  = FindStatus("FIND_UNKNOWN")
	FindFound    = FindStatus("FIND_FOUND")
	FindNotFound = FindStatus("FIND_NOTFOUND")
)

// CloudletLocation is the geolocation of a cloudlet.
type CloudletLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FindCloudletReply describes the endpoint a client should use.
type FindCloudletReply struct {
	// Status is FindFound on success.
	Status FindStatus `json:"status"`

	// Fqdn is the host name of the application instance.
	Fqdn string `json:"fqdn"`

	// Ports are the ports exposed by the application instance.
	Ports []AppPort `json:"ports"`

	// CloudletLocation is where the hosting cloudlet is.
	CloudletLocation CloudletLocation `json:"cloudlet_location"`

	// CloudletName identifies the hosting cloudlet.
	CloudletName string `json:"cloudlet_name,omitempty"`

	// EdgeEventsCookie authorizes an edge events stream for this endpoint.
	EdgeEventsCookie string `json:"edge_events_cookie,omitempty"`
}

// Clone returns a deep copy of r.
func (r *FindCloudletReply) Clone() *FindCloudletReply {
	if r == nil {
		return nil
	}
	c := *r
	c.Ports = append([]AppPort(nil), r.Ports...)
	return &c
}

// SameHost tells whether r and other point to the same application host.
func (r *FindCloudletReply) SameHost(other *FindCloudletReply) bool {
	if r == nil || other == nil {
		return false
	}
	return r.Fqdn == other.Fqdn
}

// PortsByProto returns the ports with the given protocol.
func (r *FindCloudletReply) PortsByProto(proto Protocol) []AppPort {
	var out []AppPort
	for _, p := range r.Ports {
		if p.Proto == proto {
			out = append(out, p)
		}
	}
	return out
}

// TCPPorts returns the TCP ports of the reply.
func (r *FindCloudletReply) TCPPorts() []AppPort {
	return r.PortsByProto(ProtoTCP)
}

// UDPPorts returns the UDP ports of the reply.
func (r *FindCloudletReply) UDPPorts() []AppPort {
	return r.PortsByProto(ProtoUDP)
}

// TestPort picks the port to use for a latency test. When desired is zero
// the first TCP port is used, otherwise the first port serving desired.
func (r *FindCloudletReply) TestPort(desired int32) (AppPort, int32, error) {
	for _, p := range r.Ports {
		if desired == 0 && p.Proto != ProtoTCP {
			continue
		}
		port, err := GetPort(p, desired)
		if err == nil {
			return p, port, nil
		}
	}
	if desired == 0 {
		return AppPort{}, 0, ErrNoPorts
	}
	return AppPort{}, 0, ErrPortNotInRange
}

// AppInstance is an application instance in a GetAppInstList reply.
type AppInstance struct {
	AppName          string    `json:"app_name"`
	AppVers          string    `json:"app_vers"`
	OrgName          string    `json:"org_name"`
	Fqdn             string    `json:"fqdn"`
	Ports            []AppPort `json:"ports"`
	EdgeEventsCookie string    `json:"edge_events_cookie,omitempty"`
}

// CloudletInstances groups the application instances of one cloudlet.
type CloudletInstances struct {
	CloudletName string           `json:"cloudlet_name"`
	CarrierName  string           `json:"carrier_name,omitempty"`
	GpsLocation  CloudletLocation `json:"gps_location"`
	Distance     float64          `json:"distance,omitempty"`
	Appinstances []AppInstance    `json:"appinstances"`
}

// Reply turns the instance into a FindCloudletReply.
func (c CloudletInstances) Reply(ai AppInstance) *FindCloudletReply {
	return &FindCloudletReply{
		Status:           FindFound,
		Fqdn:             ai.Fqdn,
		Ports:            append([]AppPort(nil), ai.Ports...),
		CloudletLocation: c.GpsLocation,
		CloudletName:     c.CloudletName,
		EdgeEventsCookie: ai.EdgeEventsCookie,
	}
}
