package model

import (
	"errors"
	"testing"
)

func TestLocation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		loc     Location
		wantErr error
	}{
		{name: "palo-alto", loc: Location{Latitude: 37.459609, Longitude: -122.149349}},
		{name: "north-pole", loc: Location{Latitude: 90, Longitude: 180}},
		{name: "south-pole", loc: Location{Latitude: -90, Longitude: -180}},
		{name: "bad-latitude", loc: Location{Latitude: 91.0, Longitude: 0}, wantErr: ErrInvalidLatitude},
		{name: "bad-negative-latitude", loc: Location{Latitude: -90.5}, wantErr: ErrInvalidLatitude},
		{name: "bad-longitude", loc: Location{Latitude: 0, Longitude: 180.1}, wantErr: ErrInvalidLongitude},
		{name: "bad-negative-longitude", loc: Location{Longitude: -181}, wantErr: ErrInvalidLongitude},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.loc.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() unexpected error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if err := ValidateLocation(nil); err == nil {
		t.Error("ValidateLocation(nil) should fail")
	}
}

func TestGetPort(t *testing.T) {
	single := AppPort{Proto: ProtoTCP, InternalPort: 8008, PublicPort: 3000}
	ranged := AppPort{Proto: ProtoTCP, InternalPort: 8000, PublicPort: 9000, EndPort: 8010}
	inverted := AppPort{Proto: ProtoUDP, InternalPort: 8000, PublicPort: 9000, EndPort: 7000}
	tests := []struct {
		name    string
		port    AppPort
		desired int32
		want    int32
		wantErr bool
	}{
		{name: "zero-selects-public", port: single, desired: 0, want: 3000},
		{name: "internal-maps-to-public", port: single, desired: 8008, want: 3000},
		{name: "public", port: single, desired: 3000, want: 3000},
		{name: "unknown", port: single, desired: 3001, wantErr: true},
		{name: "range-start", port: ranged, desired: 9000, want: 9000},
		{name: "range-middle", port: ranged, desired: 9005, want: 9005},
		{name: "range-end", port: ranged, desired: 9010, want: 9010},
		{name: "range-past-end", port: ranged, desired: 9011, wantErr: true},
		{name: "range-before-start", port: ranged, desired: 8999, wantErr: true},
		{name: "end-below-internal-is-not-a-range", port: inverted, desired: 9001, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetPort(tt.port, tt.desired)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetPort() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrPortNotInRange) {
				t.Errorf("GetPort() error = %v, want ErrPortNotInRange", err)
			}
			if got != tt.want {
				t.Errorf("GetPort() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestURL(t *testing.T) {
	p := AppPort{Proto: ProtoWebSocket, InternalPort: 8080, PublicPort: 443, TLS: true, FqdnPrefix: "ws-"}
	u, err := URL("app.cloudlet.example", p, "", 0, "/echo")
	if err != nil {
		t.Fatal(err)
	}
	if got := u.String(); got != "wss://ws-app.cloudlet.example:443/echo" {
		t.Errorf("URL() = %q", got)
	}
	if _, err := URL("app.cloudlet.example", p, "", 1, "/"); !errors.Is(err, ErrPortNotInRange) {
		t.Errorf("URL() error = %v, want ErrPortNotInRange", err)
	}
}

func TestFindCloudletReply_TestPort(t *testing.T) {
	r := &FindCloudletReply{
		Fqdn: "app.example",
		Ports: []AppPort{
			{Proto: ProtoUDP, InternalPort: 5000, PublicPort: 5000},
			{Proto: ProtoTCP, InternalPort: 8008, PublicPort: 3000},
		},
	}
	p, port, err := r.TestPort(0)
	if err != nil || p.Proto != ProtoTCP || port != 3000 {
		t.Errorf("TestPort(0) = %v, %d, %v", p, port, err)
	}
	_, port, err = r.TestPort(5000)
	if err != nil || port != 5000 {
		t.Errorf("TestPort(5000) = %d, %v", port, err)
	}
	if _, _, err = r.TestPort(1234); !errors.Is(err, ErrPortNotInRange) {
		t.Errorf("TestPort(1234) error = %v", err)
	}
	empty := &FindCloudletReply{}
	if _, _, err = empty.TestPort(0); !errors.Is(err, ErrNoPorts) {
		t.Errorf("TestPort(0) on empty reply error = %v", err)
	}
	if len(r.TCPPorts()) != 1 || len(r.UDPPorts()) != 1 {
		t.Error("wrong port split")
	}
}

func TestFindCloudletReply_CloneAndSameHost(t *testing.T) {
	r := &FindCloudletReply{Fqdn: "a.example", Ports: []AppPort{{PublicPort: 1}}}
	c := r.Clone()
	c.Ports[0].PublicPort = 2
	if r.Ports[0].PublicPort != 1 {
		t.Error("Clone() shares the ports slice")
	}
	if !r.SameHost(c) {
		t.Error("SameHost() should be true for a clone")
	}
	if r.SameHost(nil) {
		t.Error("SameHost(nil) should be false")
	}
	var nilReply *FindCloudletReply
	if nilReply.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}
