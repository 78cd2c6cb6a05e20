package netns_test

import (
	"errors"
	"math/rand"
	"strings"
	"syscall"
	"testing"

	"github.com/kmrgirish/hostsim/internal/simulation/netns"
)

func TestBindUnix(t *testing.T) {
	ns := netns.New()
	if err := ns.BindUnix("@a", "sock1"); err != nil {
		t.Fatal(err)
	}
	if err := ns.BindUnix("@a", "sock2"); !errors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("double bind = %v, want EADDRINUSE", err)
	}
	if sock, ok := ns.LookupUnix("@a"); !ok || sock != "sock1" {
		t.Fatalf("lookup = %v, %t", sock, ok)
	}
	ns.UnbindUnix("@a")
	if _, ok := ns.LookupUnix("@a"); ok {
		t.Fatalf("name survived unbind")
	}
	if err := ns.BindUnix("@a", "sock2"); err != nil {
		t.Fatalf("rebind after unbind = %v", err)
	}
}

func TestAutobindUnix(t *testing.T) {
	ns := netns.New()
	rng := rand.New(rand.NewSource(7))
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name, err := ns.AutobindUnix(rng, i)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(name, "@") || len(name) != 6 {
			t.Fatalf("autobind name %q not a 5-hex-digit abstract name", name)
		}
		if seen[name] {
			t.Fatalf("autobind reused %q", name)
		}
		seen[name] = true
		if sock, ok := ns.LookupUnix(name); !ok || sock != i {
			t.Fatalf("autobound name %q not registered", name)
		}
	}
}

func TestReservePort(t *testing.T) {
	ns := netns.New()
	rng := rand.New(rand.NewSource(7))

	port, err := ns.ReservePort(8080, rng, "listener")
	if err != nil || port != 8080 {
		t.Fatalf("reserve = %d, %v", port, err)
	}
	if _, err := ns.ReservePort(8080, rng, "other"); !errors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("double reserve = %v, want EADDRINUSE", err)
	}

	eph, err := ns.ReservePort(0, rng, "client")
	if err != nil {
		t.Fatal(err)
	}
	if eph < 32768 || eph > 60999 {
		t.Fatalf("ephemeral port %d outside the default range", eph)
	}
	if sock, ok := ns.LookupPort(eph); !ok || sock != "client" {
		t.Fatalf("lookup ephemeral = %v, %t", sock, ok)
	}

	ns.ReleasePort(8080)
	if _, err := ns.ReservePort(8080, rng, "reuse"); err != nil {
		t.Fatalf("reserve after release = %v", err)
	}
}
