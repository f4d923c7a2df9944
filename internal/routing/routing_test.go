package routing

import (
	"reflect"
	"testing"
)

func TestKeysFor_GeoPrefixAddsGeoTopic(t *testing.T) {
	got := KeysFor("geo.ping")
	want := []string{TopicRaw, TopicGeo}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestKeysFor_UnrecognizedPrefixIsRawOnly(t *testing.T) {
	got := KeysFor("custom.something")
	want := []string{TopicRaw}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestKeysFor_EachDomainPrefixMapsToItsOwnTopic(t *testing.T) {
	cases := map[string]string{
		"license.renewed":   TopicLicense,
		"session.start":     TopicSession,
		"screen.view":       TopicScreen,
		"ui.button_tap":     TopicUI,
		"system.crash":      TopicSystem,
	}
	for name, topic := range cases {
		got := KeysFor(name)
		if len(got) != 2 || got[0] != TopicRaw || got[1] != topic {
			t.Fatalf("KeysFor(%q) = %v, want [%s %s]", name, got, TopicRaw, topic)
		}
	}
}

func TestQueueName(t *testing.T) {
	if got := QueueName(TopicGeo); got != "sb.events.geo.q" {
		t.Fatalf("unexpected queue name: %s", got)
	}
}

func TestAllTopics_IncludesDLQ(t *testing.T) {
	found := false
	for _, topic := range AllTopics() {
		if topic == TopicDLQ {
			found = true
		}
	}
	if !found {
		t.Fatal("expected AllTopics to include the DLQ topic")
	}
}
