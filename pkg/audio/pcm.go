// Package audio implements the PCM codec, the microphone capture pipeline,
// and the playback pipeline for realtime voice sessions.
//
// All wire audio is 16-bit signed little-endian PCM. Float samples are
// normalized to the -1.0..1.0 range.
package audio

import (
	"encoding/base64"
	"fmt"
)

// FloatTo16BitPCM converts normalized float samples to 16-bit little-endian
// PCM. Samples outside -1.0..1.0 are clamped, not rejected: an audible
// artifact beats aborting playback.
func FloatTo16BitPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// Int16ToFloat converts 16-bit little-endian PCM to normalized float samples.
// A trailing odd byte is ignored.
func Int16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768.0
	}
	return out
}

// EncodeAudio encodes PCM bytes for transport inside a JSON frame.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudio decodes a transport-encoded audio payload back to PCM bytes.
func DecodeAudio(encoded string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return pcm, nil
}

// MergeFloat32 returns a new slice holding a followed by b.
// Neither input is modified.
func MergeFloat32(a, b []float32) []float32 {
	out := make([]float32, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// DownmixMono averages the given channels into a single mono channel.
// All channels must have equal length; shorter channels contribute zero
// for the samples they lack.
func DownmixMono(channels [][]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}
	if len(channels) == 1 {
		mono := make([]float32, len(channels[0]))
		copy(mono, channels[0])
		return mono
	}

	length := 0
	for _, ch := range channels {
		if len(ch) > length {
			length = len(ch)
		}
	}
	mono := make([]float32, length)
	for i := 0; i < length; i++ {
		var sum float32
		for _, ch := range channels {
			if i < len(ch) {
				sum += ch[i]
			}
		}
		mono[i] = sum / float32(len(channels))
	}
	return mono
}
