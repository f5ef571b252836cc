package endpoint

import "testing"

func TestResolveForms(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		listen     bool
		wantScheme string
		wantAddr   string
		wantErr    bool
	}{
		{"empty defaults", "", false, "http", DefaultListenAddr, false},
		{"http", "http://10.0.0.1:9000", false, "http", "10.0.0.1:9000", false},
		{"https", "https://hub.example.com", false, "https", "hub.example.com", false},
		{"unix scheme", "unix:///tmp/cs.sock", false, "unix", "/tmp/cs.sock", false},
		{"bare socket path", "/tmp/cs.sock", false, "unix", "/tmp/cs.sock", false},
		{"empty unix path", "unix://", false, "", "", true},
		{"host port listen", "0.0.0.0:9000", true, "http", "0.0.0.0:9000", false},
		{"host port dial rejected", "0.0.0.0:9000", false, "", "", true},
		{"garbage", "ftp://x", false, "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolve := Resolve
			if tc.listen {
				resolve = ResolveListen
			}
			ep, err := resolve(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve %q: %v", tc.raw, err)
			}
			if ep.Scheme != tc.wantScheme || ep.Address != tc.wantAddr {
				t.Fatalf("resolve %q: got %+v", tc.raw, ep)
			}
		})
	}
}

func TestResolveHonorsEnv(t *testing.T) {
	t.Setenv("CODESESSION_HOST", "http://envhost:1234")

	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.Address != "envhost:1234" {
		t.Fatalf("env endpoint: got %+v", ep)
	}
}

func TestWebsocketURL(t *testing.T) {
	ep := Endpoint{BaseURL: "http://127.0.0.1:8787"}
	if got := ep.WebsocketURL(); got != "ws://127.0.0.1:8787" {
		t.Fatalf("websocket url: got %q", got)
	}
	ep = Endpoint{BaseURL: "https://hub.example.com"}
	if got := ep.WebsocketURL(); got != "wss://hub.example.com" {
		t.Fatalf("websocket url: got %q", got)
	}
}
