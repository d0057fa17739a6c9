package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// RouteDetector finds tunnels from other software that currently own the
// default route.
type RouteDetector struct {
	RoutePath string
	// Owned lists interface names created by our own engine.
	Owned []string
}

func NewRouteDetector(owned ...string) *RouteDetector {
	return &RouteDetector{RoutePath: "/proc/net/route", Owned: owned}
}

// ForeignTunnel returns the name of a tun-like interface holding the default
// route that is not ours, or "" when there is none. A ppp link only counts
// when it sits on top of another default route; on its own it is the uplink.
func (d *RouteDetector) ForeignTunnel(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	routes, err := d.defaultRoutes()
	if err != nil {
		return "", err
	}
	if len(routes) == 0 {
		return "", nil
	}
	dev := routes[0].iface
	switch {
	case isLikelyTunInterfaceName(dev):
	case isPPPInterfaceName(dev) && hasOtherUplink(routes, dev):
	default:
		return "", nil
	}
	for _, owned := range d.Owned {
		if strings.EqualFold(strings.TrimSpace(owned), dev) {
			return "", nil
		}
	}
	return dev, nil
}

func (d *RouteDetector) defaultRoutes() ([]defaultRoute, error) {
	path := d.RoutePath
	if path == "" {
		path = "/proc/net/route"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read route table: %w", err)
	}
	defer f.Close()
	return parseDefaultRoutes(bufio.NewScanner(f))
}

type defaultRoute struct {
	iface  string
	metric int
}

// parseDefaultRoutes lists default routes by ascending metric.
//
// Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
// eth0	00000000	0101A8C0	0003	0	0	100	00000000	0	0	0
func parseDefaultRoutes(sc *bufio.Scanner) ([]defaultRoute, error) {
	var routes []defaultRoute
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		if fields[1] != "00000000" || fields[7] != "00000000" {
			continue
		}
		metric := 0
		_, _ = fmt.Sscanf(fields[6], "%d", &metric)
		routes = append(routes, defaultRoute{iface: fields[0], metric: metric})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].metric < routes[j].metric })
	return routes, nil
}

func hasOtherUplink(routes []defaultRoute, dev string) bool {
	for _, r := range routes {
		if r.iface != dev && !isPPPInterfaceName(r.iface) {
			return true
		}
	}
	return false
}

func isLikelyTunInterfaceName(name string) bool {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return false
	}
	return strings.HasPrefix(name, "tun") ||
		strings.HasPrefix(name, "utun") ||
		strings.HasPrefix(name, "tap") ||
		strings.HasPrefix(name, "wg")
}

// ppp carries PPPoE/DSL uplinks as well as pptp and l2tp tunnels.
func isPPPInterfaceName(name string) bool {
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(name)), "ppp")
}
