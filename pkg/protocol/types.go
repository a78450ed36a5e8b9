package protocol

// Message type constants for control frames.
const (
	TypeControl = "control"
	TypeFile    = "file"
	TypeImgMeta = "img_meta"
	TypeAck     = "ack"
	TypeData    = "data"
)

// Delivery mode names as they appear in configuration and logs.
const (
	ModeReliable   = "FIABLE"
	ModeBestEffort = "SEMI-FIABLE"
)
