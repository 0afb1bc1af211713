package audio

import (
	"testing"
)

func TestDecodeEncodeSamples_RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	pcm := EncodeSamples(samples)

	decoded, err := DecodeSamples(pcm)
	if err != nil {
		t.Fatalf("DecodeSamples() failed: %v", err)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeSamples_OddLength(t *testing.T) {
	_, err := DecodeSamples([]byte{1, 2, 3})
	if err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}

func TestResample_SameRate(t *testing.T) {
	pcm := EncodeSamples([]int16{100, 200, 300})
	out, err := Resample(pcm, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample() failed: %v", err)
	}
	if len(out) != len(pcm) {
		t.Errorf("Expected unchanged length %d, got %d", len(pcm), len(out))
	}
}

func TestResample_Downsample(t *testing.T) {
	// 100 samples at 24kHz should become ~33 samples at 8kHz
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = int16(i * 100)
	}

	out, err := Resample(EncodeSamples(samples), 24000, 8000)
	if err != nil {
		t.Fatalf("Resample() failed: %v", err)
	}

	outSamples, err := DecodeSamples(out)
	if err != nil {
		t.Fatalf("DecodeSamples() failed: %v", err)
	}

	expected := 100 * 8000 / 24000
	if len(outSamples) != expected {
		t.Errorf("Expected %d samples after downsampling, got %d", expected, len(outSamples))
	}
}

func TestResample_Upsample(t *testing.T) {
	samples := []int16{0, 1000, 2000, 3000}
	out, err := Resample(EncodeSamples(samples), 8000, 16000)
	if err != nil {
		t.Fatalf("Resample() failed: %v", err)
	}

	outSamples, err := DecodeSamples(out)
	if err != nil {
		t.Fatalf("DecodeSamples() failed: %v", err)
	}

	if len(outSamples) != 8 {
		t.Fatalf("Expected 8 samples after upsampling, got %d", len(outSamples))
	}

	// Interpolated midpoints should fall between neighbors
	if outSamples[1] < 0 || outSamples[1] > 1000 {
		t.Errorf("Expected interpolated sample in [0,1000], got %d", outSamples[1])
	}
}

func TestResample_Empty(t *testing.T) {
	_, err := Resample(nil, 24000, 8000)
	if err == nil {
		t.Error("Expected error for empty PCM data")
	}
}
