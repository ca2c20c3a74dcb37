package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSourceUnavailable ReasonCode = "source_unavailable"
	ReasonPermissionDenied  ReasonCode = "permission_denied"
	ReasonCaptureStart      ReasonCode = "capture_start"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonRecognizer ReasonCode = "recognizer"

	ReasonPersistenceWrite  ReasonCode = "persistence_write"
	ReasonPersistenceRead   ReasonCode = "persistence_read"
	ReasonInvalidTransition ReasonCode = "invalid_transition"
	ReasonSessionNotFound   ReasonCode = "session_not_found"

	ReasonUpload            ReasonCode = "upload"
	ReasonUploadRateLimit   ReasonCode = "upload_rate_limit"
	ReasonUploadCircuitOpen ReasonCode = "upload_circuit_open"
	ReasonUploadRejected    ReasonCode = "upload_rejected"
)
