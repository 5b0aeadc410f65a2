package discovery

import "testing"

func TestEncodeDecodeRoundTripsBeacon(t *testing.T) {
	in := Beacon{Type: TypeBeacon, Node: "127.0.0.1:9000", Lat: 40.4, Lon: -3.7}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestEncodeDecodeRoundTripsDiscover(t *testing.T) {
	in := Beacon{Type: TypeDiscover}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != TypeDiscover {
		t.Fatalf("got type %v, want discover", out.Type)
	}
}

func TestDecodeRejectsMissingSTHeader(t *testing.T) {
	_, err := Decode([]byte("TYPE: beacon\r\n"))
	if err == nil {
		t.Fatal("expected error for missing ST header")
	}
}

func TestDecodeIgnoresUnknownLines(t *testing.T) {
	data := []byte("ST: urn:nebula-service\r\nTYPE: discover\r\nEXTRA: ignored\r\n")
	b, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.Type != TypeDiscover {
		t.Fatalf("got %+v", b)
	}
}
