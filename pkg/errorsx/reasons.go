package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProtocolMalformedFrame ReasonCode = "protocol_malformed_frame"
	ReasonProtocolInvalidPayload ReasonCode = "protocol_invalid_payload"

	ReasonModelLoad         ReasonCode = "model_load"
	ReasonRecognizerCreate  ReasonCode = "recognizer_create"
	ReasonRecognizerAccept  ReasonCode = "recognizer_accept"
	ReasonRecognizerResult  ReasonCode = "recognizer_result"
	ReasonRecognizerCircuit ReasonCode = "recognizer_circuit_open"

	ReasonTransportUpgrade          ReasonCode = "transport_upgrade"
	ReasonTransportRead             ReasonCode = "transport_read"
	ReasonTransportClose            ReasonCode = "transport_close"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	ReasonSinkPublish ReasonCode = "sink_publish"

	ReasonDial ReasonCode = "outbound_dial"
)
