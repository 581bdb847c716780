package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		first, err := JCS(v)
		if err != nil {
			return
		}

		// Canonical output must be a fixed point.
		var again interface{}
		if err := json.Unmarshal(first, &again); err != nil {
			t.Fatalf("JCS produced invalid JSON: %v", err)
		}
		second, err := JCS(again)
		if err != nil {
			t.Fatalf("JCS failed on its own output: %v", err)
		}
		if string(first) != string(second) {
			t.Fatalf("JCS not idempotent:\n%s\n%s", first, second)
		}
	})
}

func FuzzCanonicalize(f *testing.F) {
	f.Add([]byte(`{"source":"payments","external_id":"evt_1","amount":500}`))
	f.Add([]byte(`{"source":"billing","type":"invoice.paid","items":[1,2.5,"x"]}`))
	f.Add([]byte(`not json`))

	c, err := New()
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		res, err := c.Canonicalize(data)
		if err != nil {
			return
		}
		if !Verify(res.Canonical, res.Hash) {
			t.Fatalf("hash does not match canonical bytes")
		}
	})
}
