package convert

import (
	"encoding/json"
	"testing"
	"time"

	model "github.com/and161185/goph-chat/internal/model"
	u "github.com/gofrs/uuid/v5"
)

func mustUUID(t *testing.T, s string) u.UUID {
	t.Helper()
	id, err := u.FromString(s)
	if err != nil {
		t.Fatalf("bad uuid %q: %v", s, err)
	}
	return id
}

func TestToChat_EmptyAndFull(t *testing.T) {
	t.Parallel()

	conv := model.Conversation{
		ID:        mustUUID(t, "11111111-1111-4111-8111-111111111111"),
		UserA:     mustUUID(t, "22222222-2222-4222-8222-222222222222"),
		UserB:     mustUUID(t, "33333333-3333-4333-8333-333333333333"),
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	other := model.User{ID: conv.UserB, Username: "bob"}

	empty := ToChat(model.ChatSummary{Conversation: conv, Other: other})
	if empty.MostRecent != nil || empty.OtherPublicKey != nil {
		t.Fatalf("empty chat must have nil envelope and key: %+v", empty)
	}
	b, err := json.Marshal(empty)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"conversationId", "otherParticipant", "otherParticipantPublicKey", "mostRecentEnvelope"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("missing key %q in %s", k, b)
		}
	}

	pk := model.PublicKey{Kty: "RSA", N: "AQAB", E: "AQAB"}
	full := ToChat(model.ChatSummary{
		Conversation:   conv,
		Other:          other,
		OtherPublicKey: &pk,
		Latest: &model.Envelope{
			ID: 7, ConversationID: conv.ID, AuthorID: conv.UserA, AuthorName: "alice",
			Ciphertext: "c1", Nonce: "n1",
		},
		Unread: 2,
	})
	if full.MostRecent == nil || full.MostRecent.Author != "alice" || full.MostRecent.Ciphertext != "c1" {
		t.Fatalf("bad envelope: %+v", full.MostRecent)
	}
	if full.OtherParticipant.Username != "bob" || full.Unread != 2 {
		t.Fatalf("bad chat: %+v", full)
	}
}

func TestIdentityKey_Base64OnWire(t *testing.T) {
	t.Parallel()

	in := `{"publicKey":{"kty":"RSA","n":"AQAB","e":"AQAB"},"encryptedPrivateKeyBlob":"AQID","salt":"BAU=","nonce":"Bg=="}`
	var dto IdentityKey
	if err := json.Unmarshal([]byte(in), &dto); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	k := FromIdentityKey(dto)
	if string(k.EncryptedPrivateKey) != "\x01\x02\x03" || string(k.Salt) != "\x04\x05" || string(k.Nonce) != "\x06" {
		t.Fatalf("bad decode: %+v", k)
	}
	if k.UserID != u.Nil {
		t.Fatalf("user id must be left for the caller")
	}

	var bad IdentityKey
	if err := json.Unmarshal([]byte(`{"salt":"***"}`), &bad); err == nil {
		t.Fatalf("want base64 error")
	}
}

func TestToOutboundFrame_Verbatim(t *testing.T) {
	t.Parallel()

	f := ToOutboundFrame(model.Envelope{Ciphertext: "c1", Nonce: "n1", AuthorName: "alice"})
	b, _ := json.Marshal(f)
	if string(b) != `{"ciphertext":"c1","nonce":"n1","author":"alice"}` {
		t.Fatalf("bad frame: %s", b)
	}
}

func TestParseHistoryOrder(t *testing.T) {
	t.Parallel()

	cases := map[string]model.HistoryOrder{"": model.OldestFirst, "asc": model.OldestFirst, "desc": model.NewestFirst}
	for in, want := range cases {
		got, err := ParseHistoryOrder(in)
		if err != nil || got != want {
			t.Fatalf("ParseHistoryOrder(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseHistoryOrder("sideways"); err == nil {
		t.Fatalf("want error")
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	if _, err := ParseID("nope"); err == nil {
		t.Fatalf("want error")
	}
	id := mustUUID(t, "11111111-1111-4111-8111-111111111111")
	got, err := ParseID(id.String())
	if err != nil || got != id {
		t.Fatalf("ParseID: %v %v", got, err)
	}
}
