package xmlrpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListPackagesWithSerial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(`<?xml version="1.0"?>
<methodResponse><params><param><value><struct>
<member><name>requests</name><value><int>12345</int></value></member>
<member><name>flask</name><value><int>6789</int></value></member>
</struct></value></param></params></methodResponse>`))
	}))
	defer srv.Close()

	c := &Client{Endpoint: srv.URL}
	got, ok := c.ListPackagesWithSerial(context.Background())
	if !ok {
		t.Fatal("expected ok")
	}
	if got["requests"] != 12345 || got["flask"] != 6789 {
		t.Errorf("unexpected serials: %+v", got)
	}
}

func TestChangelogSinceSerial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(`<?xml version="1.0"?>
<methodResponse><params><param><value><array><data>
<value><array><data>
<value><string>requests</string></value>
<value><string>2.31.0</string></value>
<value><string>new release</string></value>
<value><int>1690000000</int></value>
<value><int>12346</int></value>
</data></array></value>
</data></array></value></param></params></methodResponse>`))
	}))
	defer srv.Close()

	c := &Client{Endpoint: srv.URL}
	got, ok := c.ChangelogSinceSerial(context.Background(), 12345)
	if !ok {
		t.Fatal("expected ok")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Name != "requests" || got[0].Serial != 12346 {
		t.Errorf("unexpected entry: %+v", got[0])
	}
}

func TestNeverRaises(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not xml at all"))
		}},
		{"fault", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<?xml version="1.0"?>
<methodResponse><fault><value><struct>
<member><name>faultCode</name><value><int>1</int></value></member>
<member><name>faultString</name><value><string>boom</string></value></member>
</struct></value></fault></methodResponse>`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := &Client{Endpoint: srv.URL}
			if _, ok := c.ListPackagesWithSerial(context.Background()); ok {
				t.Error("expected ok=false")
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		c := &Client{Endpoint: "http://127.0.0.1:0"}
		if _, ok := c.ChangelogSinceSerial(context.Background(), 0); ok {
			t.Error("expected ok=false")
		}
	})
}
