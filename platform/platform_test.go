package platform

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleRoutes = `Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
eth0	00000000	0101A8C0	0003	0	0	100	00000000	0	0	0
tun7	00000000	00000000	0001	0	0	10	00000000	0	0	0
eth0	0001A8C0	00000000	0001	0	0	100	00FFFFFF	0	0	0
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseDefaultRouteDevicePrefersLowestMetric(t *testing.T) {
	routes, err := parseDefaultRoutes(bufio.NewScanner(strings.NewReader(sampleRoutes)))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(routes) != 2 || routes[0].iface != "tun7" || routes[1].iface != "eth0" {
		t.Fatalf("unexpected routes: %+v", routes)
	}
}

func TestRouteDetectorForeignTunnel(t *testing.T) {
	d := NewRouteDetector()
	d.RoutePath = writeFile(t, "route", sampleRoutes)

	dev, err := d.ForeignTunnel(context.Background())
	if err != nil || dev != "tun7" {
		t.Fatalf("expected foreign tun7, got %q %v", dev, err)
	}

	d.Owned = []string{"TUN7"}
	dev, err = d.ForeignTunnel(context.Background())
	if err != nil || dev != "" {
		t.Fatalf("owned interface must not be foreign, got %q %v", dev, err)
	}
}

func TestRouteDetectorPlainInterface(t *testing.T) {
	d := NewRouteDetector()
	d.RoutePath = writeFile(t, "route", strings.Replace(sampleRoutes, "tun7", "wlan0", 1))
	dev, err := d.ForeignTunnel(context.Background())
	if err != nil || dev != "" {
		t.Fatalf("expected no foreign tunnel, got %q %v", dev, err)
	}
}

func TestRouteDetectorPPPUplink(t *testing.T) {
	cases := []struct {
		name   string
		routes string
		want   string
	}{
		{
			name: "dsl uplink only",
			routes: "Iface\tDestination\tGateway\tFlags\tRefCnt\tUse\tMetric\tMask\tMTU\tWindow\tIRTT\n" +
				"ppp0\t00000000\t00000000\t0001\t0\t0\t0\t00000000\t0\t0\t0\n",
			want: "",
		},
		{
			name: "pptp over ethernet",
			routes: "Iface\tDestination\tGateway\tFlags\tRefCnt\tUse\tMetric\tMask\tMTU\tWindow\tIRTT\n" +
				"eth0\t00000000\t0101A8C0\t0003\t0\t0\t100\t00000000\t0\t0\t0\n" +
				"ppp1\t00000000\t00000000\t0001\t0\t0\t5\t00000000\t0\t0\t0\n",
			want: "ppp1",
		},
		{
			name: "ethernet preferred over ppp",
			routes: "Iface\tDestination\tGateway\tFlags\tRefCnt\tUse\tMetric\tMask\tMTU\tWindow\tIRTT\n" +
				"eth0\t00000000\t0101A8C0\t0003\t0\t0\t1\t00000000\t0\t0\t0\n" +
				"ppp1\t00000000\t00000000\t0001\t0\t0\t5\t00000000\t0\t0\t0\n",
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewRouteDetector()
			d.RoutePath = writeFile(t, "route", tc.routes)
			dev, err := d.ForeignTunnel(context.Background())
			if err != nil || dev != tc.want {
				t.Fatalf("unexpected result: %q %v", dev, err)
			}
		})
	}
}

func TestIsLikelyTunInterfaceName(t *testing.T) {
	for _, name := range []string{"tun0", "utun3", "wg0", " TAP1 "} {
		if !isLikelyTunInterfaceName(name) {
			t.Fatalf("expected %q to look like a tunnel", name)
		}
	}
	for _, name := range []string{"", "eth0", "en0", "wlan0", "ppp0"} {
		if isLikelyTunInterfaceName(name) {
			t.Fatalf("unexpected tunnel match for %q", name)
		}
	}
}

func TestCapabilityGateRequestsPermission(t *testing.T) {
	g := NewCapabilityGate("/usr/bin/sing-box")
	g.euid = func() int { return 1000 }
	g.getxattr = func(string, string, []byte) (int, error) { return 0, errors.New("no data") }
	g.StatusPath = writeFile(t, "status", "Name:\tcorelink\nCapEff:\t0000000000000000\n")

	req, err := g.Prepare(context.Background())
	if err != nil || req == nil {
		t.Fatalf("expected permission request, got %v %v", req, err)
	}
	again, _ := g.Prepare(context.Background())
	if again == nil || again.ID != req.ID {
		t.Fatalf("pending request must be reused: %+v %+v", req, again)
	}
	if !strings.Contains(req.Hint, "/usr/bin/sing-box") {
		t.Fatalf("unexpected hint: %q", req.Hint)
	}

	g.Resolve(true)
	if req, err := g.Prepare(context.Background()); err != nil || req != nil {
		t.Fatalf("granted gate must not request again: %v %v", req, err)
	}
	if _, ok := g.Pending(); ok {
		t.Fatalf("no request should be pending after grant")
	}
}

func TestCapabilityGateHonoursCapabilities(t *testing.T) {
	g := NewCapabilityGate("")
	g.euid = func() int { return 1000 }
	g.StatusPath = writeFile(t, "status", "CapEff:\t0000000000001000\n")
	if req, err := g.Prepare(context.Background()); err != nil || req != nil {
		t.Fatalf("CAP_NET_ADMIN must grant tunnel mode: %v %v", req, err)
	}

	g = NewCapabilityGate("/opt/sing-box")
	g.euid = func() int { return 1000 }
	g.StatusPath = writeFile(t, "status", "CapEff:\t0\n")
	g.getxattr = func(_ string, _ string, dest []byte) (int, error) {
		copy(dest, []byte{0x01, 0x00, 0x00, 0x02, 0x00, 0x10, 0x00, 0x00})
		return 8, nil
	}
	if req, err := g.Prepare(context.Background()); err != nil || req != nil {
		t.Fatalf("file capability must grant tunnel mode: %v %v", req, err)
	}
}

func TestCapabilityGateRoot(t *testing.T) {
	g := NewCapabilityGate("")
	g.euid = func() int { return 0 }
	if req, err := g.Prepare(context.Background()); err != nil || req != nil {
		t.Fatalf("root must be granted: %v %v", req, err)
	}
}
