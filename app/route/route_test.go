package route

import (
	"testing"

	"go-meshcore-gateway/app/contacts"
	"go-meshcore-gateway/app/models"

	"go.uber.org/zap/zaptest"
)

func fixture(t *testing.T) (*Resolver, *contacts.Directory) {
	t.Helper()
	dir := contacts.NewDirectory()
	dir.Replace([]models.Contact{
		{PublicKey: "aa11223344556677", AdvName: "Alice", AdvLat: 52.1, AdvLon: 5.1, OutPath: "c3d4", OutPathLen: 2},
		{PublicKey: "c3ffffffffffffff", AdvName: "Hill Repeater", Type: models.NodeTypeRepeater, AdvLat: 52.2, AdvLon: 5.2},
		{PublicKey: "d4eeeeeeeeeeeeee", AdvName: "Tower", Type: models.NodeTypeRepeater},
	})
	return NewResolver(dir, zaptest.NewLogger(t)), dir
}

func TestBuildPrefersLivePath(t *testing.T) {
	r, dir := fixture(t)
	msg := models.Message{
		Sender:       "Alice",
		SenderPubKey: "aa112233",
		PathLen:      2,
		PathHashes:   []string{"d4", "9f"},
		PathNames:    []string{"Tower", "Old Name"},
	}

	rt := r.Build(msg, models.RouteNode{Name: "Base"}, dir.Snapshot())
	if rt.PathSource != SourceRxLog {
		t.Fatalf("path source = %s", rt.PathSource)
	}
	if len(rt.PathNodes) != 2 || rt.PathNodes[0].Name != "Tower" || rt.PathNodes[1].Name != "Old Name" {
		t.Fatalf("unexpected path nodes: %+v", rt.PathNodes)
	}
	if rt.Sender == nil || rt.Sender.Name != "Alice" {
		t.Fatalf("sender = %+v", rt.Sender)
	}
	if !rt.HasLocations {
		t.Fatal("sender has a location")
	}
}

func TestBuildFallsBackToContactOutPath(t *testing.T) {
	r, dir := fixture(t)
	msg := models.Message{Sender: "Alice", SenderPubKey: "aa11", PathLen: 2}

	rt := r.Build(msg, models.RouteNode{}, dir.Snapshot())
	if rt.PathSource != SourceContactOutPath {
		t.Fatalf("path source = %s", rt.PathSource)
	}
	if len(rt.PathNodes) != 2 || rt.PathNodes[0].Name != "Hill Repeater" || rt.PathNodes[1].Name != "Tower" {
		t.Fatalf("unexpected path nodes: %+v", rt.PathNodes)
	}
	if rt.Self.Name != "Me" {
		t.Fatalf("self name = %q", rt.Self.Name)
	}
	if rt.UnresolvedHops != 0 {
		t.Fatalf("unresolved hops = %d", rt.UnresolvedHops)
	}
}

func TestBuildWithoutEvidenceUsesPlaceholders(t *testing.T) {
	r, dir := fixture(t)
	msg := models.Message{Sender: "Stranger", PathLen: 3}

	rt := r.Build(msg, models.RouteNode{}, dir.Snapshot())
	if rt.PathSource != SourceNone || len(rt.PathNodes) != 0 {
		t.Fatalf("unexpected route: %+v", rt)
	}
	if rt.UnresolvedHops != 3 {
		t.Fatalf("unresolved hops = %d, want 3", rt.UnresolvedHops)
	}
	if rt.Sender != nil {
		t.Fatalf("unknown sender resolved to %+v", rt.Sender)
	}
}

func TestUnknownHopUsesUppercaseHash(t *testing.T) {
	r, dir := fixture(t)
	msg := models.Message{PathHashes: []string{"ab"}, PathNames: []string{""}}

	rt := r.Build(msg, models.RouteNode{}, dir.Snapshot())
	if rt.PathNodes[0].Name != "0xAB" {
		t.Fatalf("name = %q", rt.PathNodes[0].Name)
	}
}

func TestSenderResolvedFromSnapshotWhenLiveMisses(t *testing.T) {
	r := NewResolver(contacts.NewDirectory(), zaptest.NewLogger(t))
	snapshot := map[string]models.Contact{
		"aa11223344556677": {PublicKey: "aa11223344556677", AdvName: "Alice"},
	}

	rt := r.Build(models.Message{SenderPubKey: "AA1122"}, models.RouteNode{}, snapshot)
	if rt.Sender == nil || rt.Sender.Name != "Alice" {
		t.Fatalf("snapshot key fallback failed: %+v", rt.Sender)
	}

	rt = r.Build(models.Message{Sender: "alice"}, models.RouteNode{}, snapshot)
	if rt.Sender == nil || rt.Sender.PubKey != "aa11223344556677" {
		t.Fatalf("snapshot name fallback failed: %+v", rt.Sender)
	}
}

func TestPathNamesFrozenAfterContactChange(t *testing.T) {
	r, dir := fixture(t)
	msg := models.Message{
		PathHashes: []string{"c3"},
		PathNames:  dir.ResolvePathNames([]string{"c3"}),
	}
	dir.Remove("c3ffffffffffffff")

	if msg.PathNames[0] != "Hill Repeater" {
		t.Fatalf("stored name changed: %q", msg.PathNames[0])
	}
	rt := r.Build(msg, models.RouteNode{}, dir.Snapshot())
	if rt.PathNodes[0].Name != "Hill Repeater" {
		t.Fatalf("route should fall back to the stored name, got %q", rt.PathNodes[0].Name)
	}
}
