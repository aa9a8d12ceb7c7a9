package relay

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var dataURLPrefix = regexp.MustCompile(`^data:[^;]+;base64,`)

// DecodeAudioBase64 decodes a base64 audio payload, accepting an optional
// data URL prefix such as "data:audio/webm;base64,".
func DecodeAudioBase64(s string) ([]byte, error) {
	s = dataURLPrefix.ReplaceAllString(strings.TrimSpace(s), "")
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Accept unpadded input.
		if b2, err2 := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err2 == nil {
			return b2, nil
		}
		return nil, InputError("audioBase64 is not valid base64")
	}
	return b, nil
}

// AudioMime returns the MIME type of audio produced with the given output
// format. Both OpenAI names ("wav") and ElevenLabs names ("mp3_44100_128")
// are understood; anything unknown is treated as MP3.
func AudioMime(format string) string {
	f := strings.ToLower(format)
	switch {
	case f == "wav" || strings.HasPrefix(f, "wav_"):
		return "audio/wav"
	case f == "opus" || strings.HasPrefix(f, "opus_"):
		return "audio/ogg"
	case f == "aac":
		return "audio/aac"
	case f == "flac":
		return "audio/flac"
	case f == "pcm" || strings.HasPrefix(f, "pcm_"):
		return "audio/pcm"
	case strings.HasPrefix(f, "ulaw_"):
		return "audio/basic"
	default:
		return "audio/mpeg"
	}
}

// AudioExtension returns the file extension matching AudioMime(format).
func AudioExtension(format string) string {
	switch AudioMime(format) {
	case "audio/wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/aac":
		return "aac"
	case "audio/flac":
		return "flac"
	case "audio/pcm", "audio/basic":
		return "pcm"
	default:
		return "mp3"
	}
}
