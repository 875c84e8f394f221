package tunnel

import (
	"errors"
	"testing"
)

func httpTunnel(name string, port int, rules ...HostRule) Descriptor {
	return Descriptor{Name: name, Protocol: KindHTTP, ServerPort: port, ProxyHosts: rules}
}

func TestMatchHost(t *testing.T) {
	cases := []struct {
		pattern, host string
		want          bool
	}{
		{"a.example.com", "a.example.com", true},
		{"a.example.com", "A.Example.COM:8080", true},
		{"a.example.com", "b.example.com", false},
		{"*.example.com", "x.example.com", true},
		{"*.example.com", "y.x.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "badexample.com", false},
		{"", "a", false},
		{"*", "localhost:3000", true},
		{"*", "a.example.com", true},
		{"*", "", true},
	}
	for _, c := range cases {
		if got := MatchHost(c.pattern, c.host); got != c.want {
			t.Errorf("MatchHost(%q, %q) = %v, want %v", c.pattern, c.host, got, c.want)
		}
	}
}

func TestDescriptorMatch(t *testing.T) {
	tcp := Descriptor{Name: "ssh", Protocol: KindTCP, ServerPort: 2222, Host: "127.0.0.1:22"}
	if !tcp.Match(Info{Protocol: KindTCP, ServerPort: 2222}) {
		t.Error("tcp tunnel should match its port")
	}
	if tcp.Match(Info{Protocol: KindTCP, ServerPort: 2223}) {
		t.Error("tcp tunnel matched another port")
	}
	web := httpTunnel("web", 8080,
		HostRule{Host: "a.example.com", Forward: "127.0.0.1:3000"},
		HostRule{Host: "*.dev.example.com", Forward: "127.0.0.1:4000"},
	)
	if !web.Match(Info{Protocol: KindHTTP, ServerPort: 8080, ProxyHost: "api.dev.example.com"}) {
		t.Error("wildcard rule should match")
	}
	if web.Match(Info{Protocol: KindHTTP, ServerPort: 8080, ProxyHost: "c.example.com"}) {
		t.Error("unbound host matched")
	}
	fwd, err := web.ForwardHost("api.dev.example.com")
	if err != nil || fwd != "127.0.0.1:4000" {
		t.Errorf("ForwardHost = %q, %v", fwd, err)
	}
	if _, err := web.ForwardHost("nope.example.com"); !errors.Is(err, ErrRouting) {
		t.Errorf("ForwardHost unbound err = %v", err)
	}
	if fwd, _ := tcp.ForwardHost("ignored"); fwd != "127.0.0.1:22" {
		t.Errorf("tcp ForwardHost = %q", fwd)
	}
}

func TestDescriptorValidate(t *testing.T) {
	bad := []Descriptor{
		{Name: "p", Protocol: KindTCP, ServerPort: 0, Host: "127.0.0.1:1"},
		{Name: "h", Protocol: KindTCP, ServerPort: 1, Host: "nohostport"},
		{Name: "w", Protocol: KindHTTP, ServerPort: 80},
		{Name: "f", Protocol: KindHTTP, ServerPort: 80, ProxyHosts: []HostRule{{Host: "a", Forward: "x"}}},
		{Name: "u", Protocol: "udp", ServerPort: 53},
	}
	for _, d := range bad {
		if err := d.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("Validate(%s) = %v, want ErrInvalid", d.Name, err)
		}
	}
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()
	a := httpTunnel("a", 8080, HostRule{Host: "a.example.com", Forward: "127.0.0.1:3001"})
	b := httpTunnel("b", 8080, HostRule{Host: "b.example.com", Forward: "127.0.0.1:3002"})
	if err := r.Add(a, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(b, "c2"); err != nil {
		t.Fatal(err)
	}
	e, err := r.Route(8080, "b.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if fwd, _ := e.Descriptor.ForwardHost("b.example.com"); e.Owner != "c2" || fwd != "127.0.0.1:3002" {
		t.Errorf("routed to %s owner %s fwd %s", e.Descriptor, e.Owner, fwd)
	}
	if _, err := r.Route(8080, "c.example.com"); !errors.Is(err, ErrRouting) {
		t.Errorf("unbound host err = %v", err)
	}
}

func TestRegistryFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	first := httpTunnel("first", 80, HostRule{Host: "*.example.com", Forward: "127.0.0.1:1"})
	second := httpTunnel("second", 81, HostRule{Host: "*.example.com", Forward: "127.0.0.1:2"})
	_ = r.Add(first, "o")
	_ = r.Add(second, "o")
	e, ok := r.Find(Info{Protocol: KindHTTP, ServerPort: 80, ProxyHost: "x.example.com"})
	if !ok || e.Descriptor.Name != "first" {
		t.Errorf("Find = %+v, %v", e, ok)
	}
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Descriptor{Name: "ssh", Protocol: KindTCP, ServerPort: 2222, Host: "127.0.0.1:22"}, "c1"); err != nil {
		t.Fatal(err)
	}
	cases := []Descriptor{
		{Name: "ssh2", Protocol: KindTCP, ServerPort: 2222, Host: "127.0.0.1:23"},
		httpTunnel("w", 2222, HostRule{Host: "a.example.com", Forward: "127.0.0.1:1"}),
	}
	for _, d := range cases {
		if err := r.Add(d, "c2"); !errors.Is(err, ErrConflict) {
			t.Errorf("Add(%s) = %v, want ErrConflict", d, err)
		}
	}
	_ = r.Add(httpTunnel("w1", 80, HostRule{Host: "*.example.com", Forward: "127.0.0.1:1"}), "c1")
	overlapping := []Descriptor{
		httpTunnel("w2", 80, HostRule{Host: "x.example.com", Forward: "127.0.0.1:2"}),
		httpTunnel("w3", 80, HostRule{Host: "*.a.example.com", Forward: "127.0.0.1:2"}),
	}
	for _, d := range overlapping {
		if err := r.Add(d, "c2"); !errors.Is(err, ErrConflict) {
			t.Errorf("Add(%s) = %v, want ErrConflict", d, err)
		}
	}
	if err := r.Add(httpTunnel("w4", 80, HostRule{Host: "other.org", Forward: "127.0.0.1:2"}), "c2"); err != nil {
		t.Errorf("disjoint host rejected: %v", err)
	}
	removed := r.RemoveOwner("c1")
	if len(removed) != 2 || r.Len() != 1 {
		t.Errorf("removed %d, left %d", len(removed), r.Len())
	}
	if len(r.Port(80)) != 1 {
		t.Errorf("port 80 entries = %d", len(r.Port(80)))
	}
}

func TestCatchAllHost(t *testing.T) {
	all := httpTunnel("all", 80, HostRule{Host: CatchAll, Forward: "127.0.0.1:3000"})
	if err := all.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !all.Match(Info{Protocol: KindHTTP, ServerPort: 80, ProxyHost: "localhost"}) {
		t.Error("catch-all rule should match localhost")
	}
	r := NewRegistry()
	if err := r.Add(all, "c1"); err != nil {
		t.Fatal(err)
	}
	if e, err := r.Route(80, "anything.test"); err != nil || e.Descriptor.Name != "all" {
		t.Errorf("Route = %+v, %v", e, err)
	}
	if err := r.Add(httpTunnel("web", 80, HostRule{Host: "a.example.com", Forward: "127.0.0.1:1"}), "c2"); !errors.Is(err, ErrConflict) {
		t.Errorf("Add beside catch-all = %v, want ErrConflict", err)
	}
}

func TestDescriptorKeyPerPort(t *testing.T) {
	a := Descriptor{Name: "web", Protocol: KindTCP, ServerPort: 9001, Host: "127.0.0.1:1"}
	b := Descriptor{Name: "web", Protocol: KindTCP, ServerPort: 9002, Host: "127.0.0.1:1"}
	if a.Key() == b.Key() {
		t.Errorf("same name on two ports share key %q", a.Key())
	}
}
