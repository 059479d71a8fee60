package domain

import "encoding/json"

// Per-op outcomes reported in a push response. Applied and superseded
// match the stored op statuses; the rest only occur on the wire.
const (
	PushStatusApplied    = OpStatusApplied
	PushStatusSuperseded = OpStatusSuperseded
	PushStatusDuplicate  = "duplicate"
	PushStatusConflict   = "conflict"
	PushStatusRejected   = "rejected"
)

type PushRequest struct {
	Ops []Op `json:"ops"`
}

type PushResult struct {
	OpID       string          `json:"op_id"`
	Status     string          `json:"status"`
	ServerSeq  int64           `json:"server_seq,omitempty"`
	Winner     string          `json:"winner,omitempty"`
	Resolution json.RawMessage `json:"resolution,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type PushResponse struct {
	Results   []PushResult `json:"results"`
	ServerSeq int64        `json:"server_seq"`
}

type PullResponse struct {
	Ops  []Op  `json:"ops"`
	Next int64 `json:"next"`
	More bool  `json:"more"`
}

type CheckpointRequest struct {
	Seq int64 `json:"seq"`
}

type SyncStatus struct {
	ServerSeq    int64 `json:"server_seq"`
	AckedSeq     int64 `json:"acked_seq"`
	OpenConflict int64 `json:"conflicts"`
}

// DeviceTokenRequest is the device handshake: API key credentials plus
// the running app version, which the server gates by minimum version.
type DeviceTokenRequest struct {
	DeviceID   string `json:"device_id"`
	APIKey     string `json:"api_key"`
	AppVersion string `json:"app_version"`
}

type DeviceTokenResponse struct {
	Token     string `json:"token"`
	ExpiresMs int64  `json:"expires_ms"`
	ServerSeq int64  `json:"server_seq"`
}

type RegisterDeviceRequest struct {
	Name       string `json:"name"`
	ShopID     string `json:"shop_id"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version"`
}

// RegisterDeviceResponse carries the only plaintext copy of the API key
// the server ever produces.
type RegisterDeviceResponse struct {
	Device Device `json:"device"`
	APIKey string `json:"api_key"`
}
