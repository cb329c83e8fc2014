package v20

import (
	"reflect"
	"testing"

	"mqttsn/internal/types"
)

func roundTrip(t *testing.T, c *Codec, m types.Message) types.Message {
	t.Helper()
	frame, err := c.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize(%T) failed: %v", m, err)
	}
	got, err := c.Parse(frame)
	if err != nil {
		t.Fatalf("Parse of the serialized %T failed: %v", m, err)
	}
	return got
}

func TestCodec_RoundTrip(t *testing.T) {
	c := New()

	cases := []types.Message{
		&Connect{CleanSess: true, Duration: 60, MaxSNLength: 1024, ClientID: "abc"},
		&Connect{Will: true, CleanSess: true, Duration: 60, MaxSNLength: 1024, ClientID: "abc",
			WillTopic: "lwt/topic", WillQoS: 1, WillRetain: true, WillMessage: []byte("bye")},
		&Connack{ReturnCode: RejectedCongested},
		&Register{TopicID: 9, TopicName: "sensors/temp"},
		&Regack{TopicID: 9, ReturnCode: Accepted},
		&Publish{Dup: true, QoS: 1, Retain: true, TopicIDType: Predefined, TopicID: 4, Data: []byte("payload")},
		&Publish{QoS: 2, TopicIDType: Full, TopicName: "sensors/temp", Data: []byte("payload2")},
		&Puback{TopicID: 4, ReturnCode: Accepted},
		&Pubrec{},
		&Pubrel{},
		&Pubcomp{},
		&Subscribe{QoS: 2, TopicIDType: Normal, Topic: "a/b"},
		&Suback{QoS: 1, TopicID: 4, ReturnCode: Accepted},
		&Unsubscribe{TopicIDType: Normal, Topic: "a/b"},
		&Unsuback{},
		&Disconnect{Duration: 30},
		&Pingreq{ClientID: "abc"},
		&Pingresp{},
	}

	for _, want := range cases {
		if want.NeedsID() {
			want.SetID(42)
		}
		got := roundTrip(t, c, want)
		if got.Kind() != want.Kind() {
			t.Fatalf("kind mismatch: got %v, want %v", got.Kind(), want.Kind())
		}
		if want.NeedsID() && got.ID() != want.ID() {
			t.Fatalf("id mismatch for %T: got %v, want %v", want, got.ID(), want.ID())
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch for %T:\n got  %#v\n want %#v", want, got, want)
		}
	}
}

func TestCodec_FullTopicPublishCarriesNameNotID(t *testing.T) {
	c := New()
	pub := &Publish{QoS: 0, TopicIDType: Full, TopicName: "a/b/c", Data: []byte("z")}
	got := roundTrip(t, c, pub).(*Publish)
	if got.TopicName != "a/b/c" {
		t.Fatalf("expected the topic name to survive the round trip, got %q", got.TopicName)
	}
	if got.TopicID != 0 {
		t.Fatalf("a FULL topic publish must not carry a numeric id")
	}
}

func TestCodec_ConnectCarriesWillInline(t *testing.T) {
	c := New()
	connect := &Connect{
		Will: true, CleanSess: true, Duration: 60, MaxSNLength: 512, ClientID: "client-1",
		WillTopic: "status/offline", WillQoS: 1, WillRetain: true, WillMessage: []byte("down"),
	}
	got := roundTrip(t, c, connect).(*Connect)
	if got.WillTopic != "status/offline" || string(got.WillMessage) != "down" {
		t.Fatalf("expected the will to be carried inline, got %+v", got)
	}
}

func TestCodec_ValidResponse(t *testing.T) {
	c := New()
	cases := []struct {
		request, response types.Message
		want               bool
	}{
		{&Connect{}, &Connack{}, true},
		{&Publish{QoS: 1}, &Puback{}, true},
		{&Publish{QoS: 2}, &Pubrel{}, true},
		{&Pubrel{}, &Pubcomp{}, true},
		{&Pingreq{}, &Pingresp{}, true},
		{&Connect{}, &Regack{}, false},
	}
	for _, tc := range cases {
		if got := c.ValidResponse(tc.request, tc.response); got != tc.want {
			t.Fatalf("ValidResponse(%T, %T) = %v, want %v", tc.request, tc.response, got, tc.want)
		}
	}
}

func TestCodec_RequiresResponse(t *testing.T) {
	c := New()
	if c.RequiresResponse(&Publish{QoS: 0}) {
		t.Fatalf("a QoS 0 publish must not require a response")
	}
	if !c.RequiresResponse(&Publish{QoS: 1}) {
		t.Fatalf("a QoS 1 publish must require a response")
	}
}

func TestCodec_ClassifyAndTerminal(t *testing.T) {
	c := New()
	if c.Classify(&Connect{}) != types.LOCAL {
		t.Fatalf("CONNECT should classify as LOCAL")
	}
	if !c.IsTerminal(&Pubcomp{}) {
		t.Fatalf("PUBCOMP should be terminal")
	}
	if c.IsTerminal(&Publish{}) {
		t.Fatalf("PUBLISH should not be terminal")
	}
}
