package dme

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/m-lab/go/testingx"

	"github.com/edgexr/edge-events/model"
)

func fakeService(t *testing.T, status string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(RegisterClientPath, func(w http.ResponseWriter, r *http.Request) {
		var req RegisterClientRequest
		testingx.Must(t, json.NewDecoder(r.Body).Decode(&req), "bad register request")
		s := RegisterSuccess
		if req.AppName == "" {
			s = "RS_FAIL"
		}
		json.NewEncoder(w).Encode(&RegisterClientReply{Status: s, SessionCookie: "cookie-" + req.AppName})
	})
	mux.HandleFunc(FindCloudletPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cookie-Demo" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(&model.FindCloudletReply{
			Status:           model.FindStatus(status),
			Fqdn:             "app.cloudlet.example",
			EdgeEventsCookie: "ee-cookie",
		})
	})
	mux.HandleFunc(AppInstListPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&AppInstListReply{
			Status: AppInstListSuccess,
			Cloudlets: []model.CloudletInstances{{
				CloudletName: "c1",
				Appinstances: []model.AppInstance{{Fqdn: "a1.example"}},
			}},
		})
	})
	return httptest.NewServer(mux)
}

func TestClient(t *testing.T) {
	srv := fakeService(t, string(model.FindFound))
	defer srv.Close()
	c, err := New(srv.URL)
	testingx.Must(t, err, "failed to create client")
	ctx := context.Background()

	reg, err := c.RegisterClient(ctx, &RegisterClientRequest{OrgName: "Acme", AppName: "Demo", AppVers: "1.0"})
	testingx.Must(t, err, "failed to register")
	if reg.SessionCookie != "cookie-Demo" {
		t.Errorf("RegisterClient() cookie = %q", reg.SessionCookie)
	}

	reply, err := c.FindCloudlet(ctx, &FindCloudletRequest{SessionCookie: reg.SessionCookie})
	testingx.Must(t, err, "failed to find cloudlet")
	if reply.Fqdn != "app.cloudlet.example" || reply.EdgeEventsCookie != "ee-cookie" {
		t.Errorf("FindCloudlet() = %+v", reply)
	}

	list, err := c.GetAppInstList(ctx, &AppInstListRequest{SessionCookie: reg.SessionCookie})
	testingx.Must(t, err, "failed to list instances")
	if len(list.Cloudlets) != 1 || list.Cloudlets[0].Appinstances[0].Fqdn != "a1.example" {
		t.Errorf("GetAppInstList() = %+v", list)
	}
}

func TestClient_Errors(t *testing.T) {
	srv := fakeService(t, string(model.FindNotFound))
	defer srv.Close()
	c, err := New(srv.URL)
	testingx.Must(t, err, "failed to create client")
	ctx := context.Background()

	if _, err := c.RegisterClient(ctx, &RegisterClientRequest{}); !errors.Is(err, ErrStatus) {
		t.Errorf("RegisterClient() error = %v, want ErrStatus", err)
	}
	reply, err := c.FindCloudlet(ctx, &FindCloudletRequest{SessionCookie: "cookie-Demo"})
	if !errors.Is(err, ErrStatus) || reply == nil || reply.Status != model.FindNotFound {
		t.Errorf("FindCloudlet() = %v, %v; want FIND_NOTFOUND reply and ErrStatus", reply, err)
	}
	if _, err := c.FindCloudlet(ctx, &FindCloudletRequest{SessionCookie: "wrong"}); !errors.Is(err, ErrHTTP) {
		t.Errorf("FindCloudlet() error = %v, want ErrHTTP", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New("ftp://dme.example"); err == nil {
		t.Error("New() accepted an ftp url")
	}
	if _, err := New("://bad"); err == nil {
		t.Error("New() accepted a malformed url")
	}
	c, err := New("https://dme.example:38001/api")
	testingx.Must(t, err, "failed to create client")
	if got := c.EdgeEventsURL().String(); got != "wss://dme.example:38001/api/v1/edgeevents" {
		t.Errorf("EdgeEventsURL() = %q", got)
	}
	c, err = New("http://127.0.0.1:8080")
	testingx.Must(t, err, "failed to create client")
	if got := c.EdgeEventsURL().String(); got != "ws://127.0.0.1:8080/v1/edgeevents" {
		t.Errorf("EdgeEventsURL() = %q", got)
	}
}
