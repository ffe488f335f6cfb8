package topo

import "testing"

func TestLinkKeyCanonicalizes(t *testing.T) {
	a := Link{Endpoint1: "sat2", Endpoint2: "sat1", Endpoint1Antenna: 2, Endpoint2Antenna: 1}
	b := Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 2}

	if a.Key() != b.Key() {
		t.Fatalf("expected same canonical key regardless of input order: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() != "sat1_sat2_1_2" {
		t.Errorf("Key() = %q, want sat1_sat2_1_2", a.Key())
	}
}

func TestLinkCanonicalizeIdempotent(t *testing.T) {
	l := Link{Endpoint1: "sat2", Endpoint2: "sat1", Endpoint1Antenna: 2, Endpoint2Antenna: 1}
	l.Canonicalize()
	before := l
	l.Canonicalize()
	if l != before {
		t.Errorf("Canonicalize() not idempotent: %+v vs %+v", before, l)
	}
	if l.Endpoint1 != "sat1" || l.Endpoint2 != "sat2" {
		t.Errorf("Canonicalize() endpoints = %s/%s, want sat1/sat2", l.Endpoint1, l.Endpoint2)
	}
}

func TestLinkPeer(t *testing.T) {
	l := Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 3}

	peer, self, peerAnt, ok := l.Peer("sat1")
	if !ok || peer != "sat2" || self != 1 || peerAnt != 3 {
		t.Errorf("Peer(sat1) = (%s, %d, %d, %v), want (sat2, 1, 3, true)", peer, self, peerAnt, ok)
	}

	peer, self, peerAnt, ok = l.Peer("sat2")
	if !ok || peer != "sat1" || self != 3 || peerAnt != 1 {
		t.Errorf("Peer(sat2) = (%s, %d, %d, %v), want (sat1, 3, 1, true)", peer, self, peerAnt, ok)
	}

	if _, _, _, ok := l.Peer("sat3"); ok {
		t.Error("Peer(sat3) should report ok=false for a non-endpoint")
	}
}

func TestShapingParamsEmpty(t *testing.T) {
	if !(ShapingParams{}).Empty() {
		t.Error("zero-value ShapingParams should be Empty")
	}
	if (ShapingParams{Delay: "5ms"}).Empty() {
		t.Error("ShapingParams with Delay set should not be Empty")
	}
}

func TestLinkRefKeyMatchesLinkKey(t *testing.T) {
	ref := LinkRef{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 2}
	link := Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 2}
	if ref.Key() != link.Key() {
		t.Errorf("LinkRef.Key() = %q, Link.Key() = %q, want equal", ref.Key(), link.Key())
	}
}

func TestNameFromKey(t *testing.T) {
	if got := NameFromKey(PrefixNodes+"sat1", PrefixNodes); got != "sat1" {
		t.Errorf("NameFromKey() = %q, want sat1", got)
	}
	if got := NameFromKey("/other/sat1", PrefixNodes); got != "" {
		t.Errorf("NameFromKey() with wrong prefix = %q, want empty", got)
	}
}
