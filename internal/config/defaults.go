package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the default value of every configuration key.
func SetDefaults(v *viper.Viper) {
	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	// MQTT
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.transport", "tcp")
	v.SetDefault("mqtt.ws_path", "/mqtt")
	v.SetDefault("mqtt.prefix", "uagv/v2/RobotCompany")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	// Dispatcher
	v.SetDefault("dispatch.database_url", "http://localhost:5001")
	v.SetDefault("dispatch.mission_control_url", "")

	// Store server
	v.SetDefault("store.address", "127.0.0.1")
	v.SetDefault("store.port", 5000)
	v.SetDefault("store.controller_port", 5001)
	v.SetDefault("store.db_path", "~/.fleetd/fleetd.db")
	v.SetDefault("store.retention", 168*time.Hour)
	v.SetDefault("store.janitor_spec", "")

	// Admin client
	v.SetDefault("client.server_url", "http://localhost:5000")
}
