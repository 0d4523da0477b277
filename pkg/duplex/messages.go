package duplex

// Wire protocol: binary WebSocket frames carry raw PCM16 audio; text frames
// carry JSON objects with a "type" discriminator.

// configMessage is sent once immediately after the handshake to select the
// persona and conversation parameters for the session.
type configMessage struct {
	Type              string `json:"type"`
	Persona           string `json:"persona"`
	VoiceStyle        string `json:"voice_style"`
	Language          string `json:"language"`
	EnableBackchannel bool   `json:"enable_backchannel"`
	ResponseLatencyMs int    `json:"response_latency_ms"`
}

// textQueryMessage asks the remote service to answer a text query over the
// open session instead of streamed audio.
type textQueryMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// controlMessage covers the body-less control frames: interrupt,
// stream_start, and stream_end.
type controlMessage struct {
	Type string `json:"type"`
}

// serverMessage is the union of all tagged inbound JSON frames.
//
//	transcription — Text holds a completed user utterance
//	response      — Text holds a fragment (Partial) or the final reply
//	backchannel   — Text holds a short acknowledgement ("mm-hmm")
//	state         — State holds the remote state name, Detail is optional
//	error         — Message holds a human-readable protocol error
type serverMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Partial bool   `json:"partial,omitempty"`
	State   string `json:"state,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}
