package canonicalize

import (
	"encoding/json"
	"testing"
)

func TestJCS_SortsKeysRecursively(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if got, want := string(b), `{"a":1,"z":{"x":"bar","y":"foo"}}`; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<b> & </b>"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if got, want := string(b), `{"html":"<b> & </b>"}`; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestJCS_NumbersUseShortestForm(t *testing.T) {
	b, err := JCS(map[string]any{"num": json.Number("1.50"), "exp": json.Number("1e3"), "arr": []int{3, 1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), `{"arr":[3,1,2],"exp":1000,"num":1.5}`; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestJCS_KeysSortByUTF16(t *testing.T) {
	// U+FB01 sorts before U+1F600 by UTF-8 bytes but after it by UTF-16 units.
	b, err := JCS(map[string]int{"\U0001F600": 1, "\uFB01": 2})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "{\"\U0001F600\":1,\"\uFB01\":2}"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestJCS_RejectsUnmarshalable(t *testing.T) {
	if _, err := JCS(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected an error for a channel value")
	}
}

func TestDigest_StableAcrossShapes(t *testing.T) {
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}

	h1, err := DigestHex(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := DigestHex(S{A: 1, B: 2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("digest mismatch for equivalent inputs: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func FuzzJCS_Idempotent(f *testing.F) {
	for _, seed := range []string{
		`{"b":2,"a":1}`,
		`{"html":"<script>&</script>"}`,
		`[1e2,0.10,-0,true,null]`,
		`{"\u00e9":"e","e\u0301":"combining"}`,
	} {
		f.Add([]byte(seed))
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if json.Unmarshal(data, &v) != nil {
			t.Skip()
		}
		once, err := JCS(v)
		if err != nil {
			return
		}

		var again any
		if err := json.Unmarshal(once, &again); err != nil {
			t.Fatalf("canonical form does not parse: %s", once)
		}
		twice, err := JCS(again)
		if err != nil {
			t.Fatalf("re-canonicalizing %s: %v", once, err)
		}
		if string(once) != string(twice) {
			t.Fatalf("not a fixed point:\n  %s\n  %s", once, twice)
		}

		d1, _ := Digest(v)
		d2, _ := Digest(again)
		if d1 != d2 {
			t.Fatalf("digest changed across a round trip of %s", once)
		}
	})
}
