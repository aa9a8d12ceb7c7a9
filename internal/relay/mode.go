package relay

import "strings"

// Mode is the shape of the response to a chat turn.
type Mode string

const (
	ModeText  Mode = "text"
	ModeAudio Mode = "audio"
	ModeBoth  Mode = "both"
)

// audioAccept is the Accept token that asks for raw audio.
const audioAccept = "audio/mpeg"

// ResolveMode decides the response shape from the body "format" field, the
// query "format" parameter and the Accept header. "both" beats "audio",
// which beats the text default.
func ResolveMode(bodyFormat, queryFormat, accept string) Mode {
	return resolveMode(bodyFormat, queryFormat, accept, ModeText)
}

// resolveMode is ResolveMode with a caller-chosen mode for requests that
// carry no signal at all. An explicit "text" format always yields text.
func resolveMode(bodyFormat, queryFormat, accept string, fallback Mode) Mode {
	bodyFormat = strings.ToLower(bodyFormat)
	queryFormat = strings.ToLower(queryFormat)
	accept = strings.ToLower(accept)

	wantsBoth := bodyFormat == "both" || queryFormat == "both"
	wantsAudio := bodyFormat == "audio" || queryFormat == "audio" || strings.Contains(accept, audioAccept)

	switch {
	case wantsBoth:
		return ModeBoth
	case wantsAudio:
		return ModeAudio
	case bodyFormat == "text" || queryFormat == "text":
		return ModeText
	}
	if fallback == "" {
		return ModeText
	}
	return fallback
}

// DebugRequested reports whether the "debug" query parameter asks for the
// timing summary.
func DebugRequested(queryDebug string) bool {
	return strings.ToLower(queryDebug) == "1"
}
