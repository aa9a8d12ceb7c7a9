package relay

// ChatInput is everything a transport hands the relay for one chat turn.
type ChatInput struct {
	Body        Body
	QueryFormat string
	QueryDebug  string
	Accept      string

	// DefaultMode is used when none of the format signals is present.
	DefaultMode Mode
}

// ResolvedRequest is the canonical form of a chat turn.
type ResolvedRequest struct {
	// DirectText, when set, is spoken as is and the chat stage is skipped.
	DirectText    string
	HasDirectText bool
	Conversation  []any

	Chat   ChatOptions
	Speech SpeechOptions

	Mode  Mode
	Debug bool
}

// Resolve normalizes in and applies defaults. It fails with a
// ClientInputError when the request carries neither direct text nor a
// conversation.
func Resolve(in ChatInput, d Defaults) (ResolvedRequest, error) {
	body := in.Body
	if body == nil {
		body = Body{}
	}

	req := ResolvedRequest{
		Chat: ChatOptions{
			Model:        firstNonEmpty(body.String("gptModel"), d.ChatModel),
			SystemPrompt: firstNonEmpty(body.String("systemPrompt"), d.SystemPrompt),
			Temperature:  body.Float("temperature"),
		},
		Speech: SpeechOptions{
			Voice:        firstNonEmpty(body.String("voiceId"), d.SpeechVoice),
			Model:        firstNonEmpty(body.String("ttsModelId"), d.SpeechModel),
			OutputFormat: firstNonEmpty(body.String("outputFormat"), d.SpeechFormat),
		},
		Mode:  resolveMode(body.String("format"), in.QueryFormat, in.Accept, in.DefaultMode),
		Debug: DebugRequested(in.QueryDebug),
	}

	if text, ok := ExtractDirectText(body); ok {
		req.DirectText = text
		req.HasDirectText = true
		return req, nil
	}

	req.Conversation = ExtractConversation(body)
	if len(req.Conversation) == 0 {
		return ResolvedRequest{}, InputError("messages or text is required")
	}
	return req, nil
}
