package audio

import (
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// StripWAVHeader removes the RIFF/WAVE header from synthesized audio and
// returns the raw PCM payload. The speech service returns canonical 44-byte
// headers; the data chunk offset is still located by scanning so that an
// extra metadata chunk does not corrupt playback.
func StripWAVHeader(data []byte) ([]byte, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("audio shorter than a WAV header: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		// Not a WAV container; assume the payload is already raw PCM.
		return data, nil
	}

	// Walk chunks starting after the 12-byte RIFF header.
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		if chunkID == "data" {
			end := body + chunkSize
			if end > len(data) || chunkSize < 0 {
				end = len(data)
			}
			return data[body:end], nil
		}

		offset = body + chunkSize
		// Chunks are word-aligned.
		if chunkSize%2 == 1 {
			offset++
		}
	}

	return nil, fmt.Errorf("WAV data chunk not found")
}
