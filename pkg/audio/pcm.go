package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrNotWAV = errors.New("audio: not a RIFF/WAVE payload")

// PCMToWAV wraps mono or multi-channel PCM16 with a 44 byte RIFF header.
func PCMToWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*channels*bits/8))
	binary.LittleEndian.PutUint16(header[32:34], uint16(channels*bits/8))
	binary.LittleEndian.PutUint16(header[34:36], bits)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))
	return append(header, pcm...)
}

// WAVToPCM walks the RIFF chunks and returns the data chunk with its sample rate.
func WAVToPCM(wav []byte) ([]byte, int, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}
	rate := 0
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(wav) {
			end = len(wav)
		}
		switch id {
		case "fmt ":
			if end-body >= 8 {
				rate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			}
		case "data":
			return wav[body:end], rate, nil
		}
		off = body + size + size%2
	}
	return nil, 0, ErrNotWAV
}

// Downsample converts mono PCM16 from one rate to a lower one by averaging each window.
// Rates that are not an integer multiple fall back to nearest-sample picking.
func Downsample(pcm []byte, from, to int) []byte {
	if from <= to || to <= 0 {
		return pcm
	}
	n := len(pcm) / 2
	if from%to == 0 {
		step := from / to
		out := make([]byte, 0, (n/step)*2)
		for i := 0; i+step <= n; i += step {
			var sum int32
			for j := 0; j < step; j++ {
				sum += int32(sampleAt(pcm, i+j))
			}
			out = appendSample(out, int16(sum/int32(step)))
		}
		return out
	}
	outN := int(int64(n) * int64(to) / int64(from))
	out := make([]byte, 0, outN*2)
	for i := 0; i < outN; i++ {
		src := int(int64(i) * int64(from) / int64(to))
		out = appendSample(out, sampleAt(pcm, src))
	}
	return out
}

// RMSEnergy returns the normalized root-mean-square energy of PCM16 in [0, 1].
func RMSEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(sampleAt(pcm, i)) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Duration reports the playback length in seconds of PCM16 mono at rate.
func Duration(pcm []byte, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(len(pcm)/2) / float64(rate)
}

// Chunk splits a payload into pieces of at most size bytes.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	out := make([][]byte, 0, len(data)/size+1)
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

func appendSample(out []byte, s int16) []byte {
	return append(out, byte(s), byte(s>>8))
}
