package frames

import "testing"

func TestMetaIsCopiedOnRead(t *testing.T) {
	f := NewTextFrame("MZ1", 1, "hello", map[string]string{MetaIsFinal: "true"})
	m := f.Meta()
	m[MetaIsFinal] = "false"
	if !f.Final() {
		t.Fatalf("mutating returned meta must not change the frame")
	}
	if f.StreamID() != "MZ1" || f.Meta()[MetaStreamID] != "MZ1" {
		t.Fatalf("stream id missing from meta")
	}
}

func TestConstructorDoesNotAliasCallerMeta(t *testing.T) {
	meta := map[string]string{MetaCallSID: "CA1"}
	f := NewSystemFrame("", 1, SystemCallEnd, meta)
	meta[MetaCallSID] = "CA2"
	if got := f.Meta()[MetaCallSID]; got != "CA1" {
		t.Fatalf("call sid = %q", got)
	}
	if _, ok := f.Meta()[MetaStreamID]; ok {
		t.Fatalf("empty stream id must not be recorded")
	}
}

func TestAudioDataIsCopied(t *testing.T) {
	f := NewAudioFrame("MZ1", 1, []byte{1, 2, 3}, 8000, 1, nil)
	d := f.Data()
	d[0] = 9
	if f.RawPayload()[0] != 1 {
		t.Fatalf("Data must return a copy")
	}
	if f.Kind() != KindAudio || f.Rate() != 8000 || f.Channels() != 1 {
		t.Fatalf("unexpected frame %+v", f)
	}
}
