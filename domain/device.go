package domain

const (
	PlatformDesktop = "desktop"
	PlatformMobile  = "mobile"
	PlatformWeb     = "web"
)

// ServerNodeID is the node id used for writes that originate on the
// server itself (dashboard API, imports) rather than on a device.
const ServerNodeID = "server"

// Device is a registered client installation. The API key is returned
// exactly once at registration; only its bcrypt hash is stored.
type Device struct {
	ID           string `db:"id" json:"id"`
	BusinessID   string `db:"business_id" json:"business_id"`
	ShopID       string `db:"shop_id" json:"shop_id"`
	Name         string `db:"name" json:"name"`
	Platform     string `db:"platform" json:"platform"`
	AppVersion   string `db:"app_version" json:"app_version"`
	APIKeyHash   string `db:"api_key_hash" json:"-"`
	LastSeenMs   int64  `db:"last_seen_ms" json:"last_seen_ms"`
	LastAckedSeq int64  `db:"last_acked_seq" json:"last_acked_seq"`
	Revoked      bool   `db:"revoked" json:"revoked"`
	CreatedAt    string `db:"created_at" json:"created_at"`
	UpdatedAt    string `db:"updated_at" json:"updated_at"`
}

// ValidPlatform reports whether platform is a known client platform.
func ValidPlatform(platform string) bool {
	return platform == PlatformDesktop || platform == PlatformMobile || platform == PlatformWeb
}
