package config

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pitabwire/frame/config"
)

// MeetConfig holds configuration for the meet service.
type MeetConfig struct {
	config.ConfigurationDefault

	// Media routing.
	GraceWindowMs       int `envDefault:"2000" env:"EPOCH_GRACE_WINDOW_MS"`
	FrameQueueCap       int `envDefault:"256"  env:"FRAME_QUEUE_CAP"`
	LayerSelectBudgetMs int `envDefault:"5"    env:"LAYER_SELECT_BUDGET_MS"`

	// Key management.
	EpochHistoryLimit int  `envDefault:"8"     env:"EPOCH_HISTORY_LIMIT"`
	KeyRetryBackoffMs int  `envDefault:"100"   env:"KEY_RETRY_BACKOFF_MS"`
	RetainCapsuleKeys bool `envDefault:"false" env:"RETAIN_CAPSULE_KEYS"`

	// Rooms.
	DefaultRoomSize int    `envDefault:"16"         env:"DEFAULT_ROOM_SIZE"`
	JoinURLBase     string `envDefault:""           env:"JOIN_URL_BASE"`
	PolicyDir       string `envDefault:"./policies" env:"POLICY_DIR"`

	// Outbound webhooks.
	WebhookMaxRetries int `envDefault:"5"   env:"WEBHOOK_MAX_RETRIES"`
	WebhookTimeoutSec int `envDefault:"10"  env:"WEBHOOK_TIMEOUT_SEC"`
	WebhookBackoffSec int `envDefault:"1"   env:"WEBHOOK_BACKOFF_INITIAL_SEC"`
	WebhookBackoffMax int `envDefault:"300" env:"WEBHOOK_BACKOFF_MAX_SEC"`
	CBFailThreshold   int `envDefault:"5"   env:"CB_FAILURE_THRESHOLD"`
	CBResetTimeoutSec int `envDefault:"60"  env:"CB_RESET_TIMEOUT_SEC"`

	// WebRTC transport.
	STUNServers  string `envDefault:"stun:stun.l.google.com:19302" env:"STUN_SERVERS"`
	TURNServers  string `envDefault:""                             env:"TURN_SERVERS"`
	TURNUsername string `envDefault:""                             env:"TURN_USERNAME"`
	TURNPassword string `envDefault:""                             env:"TURN_PASSWORD"`
}

// GraceWindow returns the epoch grace window as a duration.
func (c *MeetConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMs) * time.Millisecond
}

// LayerSelectBudget returns the per-frame layer selection budget as a duration.
func (c *MeetConfig) LayerSelectBudget() time.Duration {
	return time.Duration(c.LayerSelectBudgetMs) * time.Millisecond
}

// KeyRetryBackoff returns the pause before a key computation retry.
func (c *MeetConfig) KeyRetryBackoff() time.Duration {
	return time.Duration(c.KeyRetryBackoffMs) * time.Millisecond
}

// WebRTCConfig builds a webrtc.Configuration from the STUN/TURN settings.
func (c *MeetConfig) WebRTCConfig() webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if c.STUNServers != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: strings.Split(c.STUNServers, ","),
		})
	}
	if c.TURNServers != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:           strings.Split(c.TURNServers, ","),
			Username:       c.TURNUsername,
			Credential:     c.TURNPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}
