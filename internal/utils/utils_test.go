package utils

import (
	"bufio"
	"bytes"
	"errors"
	"math"
	"os"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestFirstJpeg(t *testing.T) {
	first := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	second := []byte{0xFF, 0xD8, 0xBB, 0xFF, 0xD9}
	stream := append(append([]byte{0x01}, first...), second...)

	got, err := FirstJpeg(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("FirstJpeg failed: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("Expected %X, got %X", first, got)
	}

	if _, err := FirstJpeg(bytes.NewReader([]byte{0x00, 0x01})); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame, got %v", err)
	}
}

func TestParseProbeDuration(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    float64
		wantErr bool
	}{
		{"stream duration", `{"streams":[{"codec_type":"video","duration":"10.040000"}],"format":{"duration":"10.1"}}`, 10.04, false},
		{"container fallback", `{"streams":[{"codec_type":"video","duration":"N/A"}],"format":{"duration":"4.5"}}`, 4.5, false},
		{"no streams", `{"streams":[],"format":{"duration":"4.5"}}`, 0, true},
		{"no duration", `{"streams":[{"codec_type":"video"}],"format":{}}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProbeDuration([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProbeDuration() error = %v, wantErr %v", err, tt.wantErr)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ParseProbeDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssetIdentity(t *testing.T) {
	tmp, err := os.CreateTemp("", "asset_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	sum, err := HashFile(tmp.Name())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(sum))
	}

	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	sum2, _ := HashFile(tmp.Name())
	if sum == sum2 {
		t.Error("Content hash did not change after file modification")
	}
}
